// Package quiz is the read-only question catalog that feeds quiz step events.
package quiz

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// AnswerSeparator joins the labels of a multi-select answer.
const AnswerSeparator = ", "

var (
	ErrUnknownQuestion = errors.New("unknown quiz question")
	ErrInvalidAnswer   = errors.New("invalid quiz answer")
)

// Type is the kind of input a question collects.
type Type string

const (
	TypeSingleChoice       Type = "single-choice"
	TypeSingleChoiceColumn Type = "single-choice-column"
	TypeMultipleChoice     Type = "multiple-choice"
	TypeText               Type = "text"
	TypeNumber             Type = "number"
	TypeWeightSlider       Type = "weight-slider"
	TypeHeightSlider       Type = "height-slider"
	TypePromise            Type = "promise"
	TypeTestimonial        Type = "testimonial"
	TypeLoading            Type = "loading"
)

// Answerable reports whether the question collects an answer.
// Promise, testimonial and loading screens only advance the quiz.
func (t Type) Answerable() bool {
	switch t {
	case TypePromise, TypeTestimonial, TypeLoading:
		return false
	default:
		return true
	}
}

func (t Type) known() bool {
	switch t {
	case TypeSingleChoice, TypeSingleChoiceColumn, TypeMultipleChoice, TypeText, TypeNumber,
		TypeWeightSlider, TypeHeightSlider, TypePromise, TypeTestimonial, TypeLoading:
		return true
	default:
		return false
	}
}

func (t Type) numeric() bool {
	return t == TypeNumber || t == TypeWeightSlider || t == TypeHeightSlider
}

func (t Type) choice() bool {
	return t == TypeSingleChoice || t == TypeSingleChoiceColumn || t == TypeMultipleChoice
}

// Question is one catalog entry.
type Question struct {
	ID      int      `yaml:"id" json:"id"`
	Type    Type     `yaml:"type" json:"type"`
	Text    string   `yaml:"question" json:"question"`
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`
	Carry   string   `yaml:"carry,omitempty" json:"carry,omitempty"`
}

// Catalog is an immutable, ordered set of questions.
type Catalog struct {
	order []int
	byID  map[int]Question
}

type catalogFile struct {
	Questions []Question `yaml:"questions"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file. An empty path loads the compiled-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quiz catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse quiz catalog: %w", err)
	}
	if len(file.Questions) == 0 {
		return nil, errors.New("quiz catalog has no questions")
	}

	c := &Catalog{byID: make(map[int]Question, len(file.Questions))}
	carried := make(map[string]int)
	for _, q := range file.Questions {
		if q.ID <= 0 {
			return nil, fmt.Errorf("question %q: id must be positive", q.Text)
		}
		if _, dup := c.byID[q.ID]; dup {
			return nil, fmt.Errorf("question %d: duplicate id", q.ID)
		}
		if !q.Type.known() {
			return nil, fmt.Errorf("question %d: unknown type %q", q.ID, q.Type)
		}
		if strings.TrimSpace(q.Text) == "" {
			return nil, fmt.Errorf("question %d: text is required", q.ID)
		}
		if q.Type.choice() && len(q.Options) == 0 {
			return nil, fmt.Errorf("question %d: %s needs options", q.ID, q.Type)
		}
		if q.Carry != "" {
			if other, ok := carried[q.Carry]; ok {
				return nil, fmt.Errorf("question %d: carry %q already used by question %d", q.ID, q.Carry, other)
			}
			carried[q.Carry] = q.ID
		}
		c.byID[q.ID] = q
		c.order = append(c.order, q.ID)
	}
	return c, nil
}

// Question returns the question with id.
func (c *Catalog) Question(id int) (Question, bool) {
	q, ok := c.byID[id]
	return q, ok
}

// Questions returns every question in catalog order.
func (c *Catalog) Questions() []Question {
	out := make([]Question, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Response is a validated answer. Values keeps each label as given so labels that
// contain AnswerSeparator survive persistence; Text is the joined form sent in events.
type Response struct {
	Values []string
	Text   string
}

// Answer validates answer against question id.
// Multi-select labels are joined with AnswerSeparator in the order given.
func (c *Catalog) Answer(id int, answer []string) (Question, Response, error) {
	q, ok := c.byID[id]
	if !ok {
		return Question{}, Response{}, fmt.Errorf("%w: %d", ErrUnknownQuestion, id)
	}
	if !q.Type.Answerable() {
		return q, Response{}, fmt.Errorf("%w: question %d does not collect answers", ErrInvalidAnswer, id)
	}

	values := make([]string, 0, len(answer))
	for _, a := range answer {
		if a = strings.TrimSpace(a); a != "" {
			values = append(values, a)
		}
	}
	if len(values) == 0 {
		return q, Response{}, fmt.Errorf("%w: question %d needs an answer", ErrInvalidAnswer, id)
	}

	switch {
	case q.Type == TypeMultipleChoice:
		for _, v := range values {
			if !slices.Contains(q.Options, v) {
				return q, Response{}, fmt.Errorf("%w: %q is not an option of question %d", ErrInvalidAnswer, v, id)
			}
		}
	case q.Type.choice():
		if len(values) != 1 {
			return q, Response{}, fmt.Errorf("%w: question %d takes one option", ErrInvalidAnswer, id)
		}
		if !slices.Contains(q.Options, values[0]) {
			return q, Response{}, fmt.Errorf("%w: %q is not an option of question %d", ErrInvalidAnswer, values[0], id)
		}
	case q.Type.numeric():
		if len(values) != 1 {
			return q, Response{}, fmt.Errorf("%w: question %d takes one number", ErrInvalidAnswer, id)
		}
		if _, err := strconv.ParseFloat(values[0], 64); err != nil {
			return q, Response{}, fmt.Errorf("%w: question %d needs a number, got %q", ErrInvalidAnswer, id, values[0])
		}
	default:
		if len(values) != 1 {
			return q, Response{}, fmt.Errorf("%w: question %d takes one value", ErrInvalidAnswer, id)
		}
	}

	return q, Response{Values: values, Text: strings.Join(values, AnswerSeparator)}, nil
}

// Carry builds the query string forwarded between funnel pages from persisted answers.
// Only questions with a carry name contribute.
func (c *Catalog) Carry(answers map[int][]string) url.Values {
	out := url.Values{}
	for _, id := range c.order {
		q := c.byID[id]
		if q.Carry == "" {
			continue
		}
		if a, ok := answers[id]; ok && len(a) > 0 {
			out.Set(q.Carry, strings.Join(a, AnswerSeparator))
		}
	}
	return out
}
