package mocks

//go:generate mockery --name EventJournal --srcpkg github.com/aevon-lab/funnel-tracker/internal/core/storage --output ./storage --outpkg storagemocks --with-expecter
