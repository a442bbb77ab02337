// Package course defines the steps of the reading course: the welcome path,
// menus, chapters, exercises and the free-text fallback.
package course

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed course.yaml
var defaultContent []byte

// ErrInvalidContent is returned when course content fails validation.
var ErrInvalidContent = errors.New("invalid course content")

// Content is the authored material of a course. Everything a learner reads
// comes from here; the step logic lives in Go.
type Content struct {
	Language             string            `yaml:"language"`
	Instructions         string            `yaml:"instructions"`
	RedirectInstructions string            `yaml:"redirect_instructions"`
	Templates            Templates         `yaml:"templates"`
	ProfileFields        map[string]string `yaml:"profile_fields"`
	Texts                Texts             `yaml:"texts"`
	Menus                Menus             `yaml:"menus"`
	Labels               Labels            `yaml:"labels"`
	Commands             map[string]string `yaml:"commands"`
	Descriptions         map[string]string `yaml:"descriptions"`
	Chapters             []Chapter         `yaml:"chapters"`
	Exercises            []Exercise        `yaml:"exercises"`
	References           References        `yaml:"references"`
}

// Templates names the pre-approved templates used outside chapters and exercises.
type Templates struct {
	Welcome   string `yaml:"welcome"`
	FirstInfo string `yaml:"first_info"`
	InfoMenu  string `yaml:"info_menu"`
}

type Texts struct {
	// IntroCompleted may contain {name}.
	IntroCompleted     string `yaml:"intro_completed"`
	CorrectAnswer      string `yaml:"correct_answer"`
	WrongAnswer        string `yaml:"wrong_answer"`
	InvalidAnswer      string `yaml:"invalid_answer"`
	Congratulations    string `yaml:"congratulations"`
	NotCongratulations string `yaml:"not_congratulations"`
}

type Menu struct {
	Header string `yaml:"header"`
	Body   string `yaml:"body"`
	Button string `yaml:"button"`
}

type Menus struct {
	User     Menu `yaml:"user_menu"`
	Chapter  Menu `yaml:"chapter_menu"`
	Exercise Menu `yaml:"exercise_menu"`
	Retry    Menu `yaml:"retry"`
}

type Labels struct {
	Continue         string `yaml:"continue"`
	ContinueChapter  string `yaml:"continue_chapter"`
	ContinueExercise string `yaml:"continue_exercise"`
	Chapters         string `yaml:"chapters"`
	Exercises        string `yaml:"exercises"`
	Info             string `yaml:"info"`
	References       string `yaml:"references"`
	Completion       string `yaml:"completion"`
	Confirm          string `yaml:"confirm"`
	Decline          string `yaml:"decline"`
}

// Chapter is a reading delivered as a flow. Finishing it leads to Exercise.
type Chapter struct {
	Step     string `yaml:"step"`
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Template string `yaml:"template"`
	Exercise string `yaml:"exercise"`
}

// ProgressKey is the progress key flagged when the chapter is read.
func (c Chapter) ProgressKey() string {
	return "chapter." + c.ID
}

// Exercise is a graded quiz delivered as a flow. Passing it leads to OnPass.
type Exercise struct {
	Step      string     `yaml:"step"`
	ID        string     `yaml:"id"`
	Title     string     `yaml:"title"`
	Template  string     `yaml:"template"`
	OnPass    string     `yaml:"on_pass"`
	Questions []Question `yaml:"questions"`
}

// HandleStep is the step that grades the submitted answers.
func (e Exercise) HandleStep() string {
	return e.Step + "Handle"
}

// ProgressKey is the progress key flagged when every question is right.
func (e Exercise) ProgressKey() string {
	return "exercise." + e.ID
}

// QuestionKey is the progress key flagged for a single question.
func (e Exercise) QuestionKey(q Question) string {
	return e.ProgressKey() + "." + q.Key
}

// Question is one multiple choice question. Key is the field name in the
// flow response and Explanations are keyed by choice.
type Question struct {
	Key          string            `yaml:"key"`
	Correct      string            `yaml:"correct"`
	Explanations map[string]string `yaml:"explanations"`
}

type References struct {
	Body     string      `yaml:"body"`
	Document DocumentRef `yaml:"document"`
	CTA      LinkRef     `yaml:"cta"`
}

type DocumentRef struct {
	Link     string `yaml:"link"`
	Filename string `yaml:"filename"`
	Caption  string `yaml:"caption"`
}

type LinkRef struct {
	DisplayText string `yaml:"display_text"`
	URL         string `yaml:"url"`
}

// DefaultContent returns the embedded course.
func DefaultContent() (*Content, error) {
	return LoadContent(defaultContent)
}

// LoadContentFile reads a course from path, or the embedded course when path is empty.
func LoadContentFile(path string) (*Content, error) {
	if path == "" {
		return DefaultContent()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read course file %s: %w", path, err)
	}
	slog.Debug("course.LoadContentFile: loaded course file", "path", path, "bytes", len(data))
	return LoadContent(data)
}

// LoadContent parses and validates a YAML course.
func LoadContent(data []byte) (*Content, error) {
	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("course.LoadContent: content loaded", "language", c.Language,
		"chapters", len(c.Chapters), "exercises", len(c.Exercises), "commands", len(c.Commands))
	return &c, nil
}

// Validate checks the parts of the content that do not depend on the registry.
func (c *Content) Validate() error {
	var errs []error
	if c.Language == "" {
		errs = append(errs, errors.New("language is required"))
	}
	if len(c.Chapters) == 0 {
		errs = append(errs, errors.New("at least one chapter is required"))
	}
	for i, ch := range c.Chapters {
		if ch.Step == "" || ch.ID == "" || ch.Template == "" {
			errs = append(errs, fmt.Errorf("chapter %d requires step, id and template", i))
		}
	}
	for i, ex := range c.Exercises {
		if ex.Step == "" || ex.ID == "" || ex.Template == "" {
			errs = append(errs, fmt.Errorf("exercise %d requires step, id and template", i))
		}
		if len(ex.Questions) == 0 {
			errs = append(errs, fmt.Errorf("exercise %s has no questions", ex.Step))
		}
		for _, q := range ex.Questions {
			if q.Key == "" || q.Correct == "" {
				errs = append(errs, fmt.Errorf("exercise %s has a question without key or answer", ex.Step))
			}
		}
	}
	for cmd, step := range c.Commands {
		if !strings.HasPrefix(cmd, "/") || step == "" {
			errs = append(errs, fmt.Errorf("command %q must start with / and name a step", cmd))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidContent, errors.Join(errs...))
	}
	return nil
}

// ExerciseByStep looks up an exercise by its present step name.
func (c *Content) ExerciseByStep(step string) (Exercise, bool) {
	for _, ex := range c.Exercises {
		if ex.Step == step {
			return ex, true
		}
	}
	return Exercise{}, false
}

// nextExercise returns the exercise after step in course order, or step itself for the last one.
func (c *Content) nextExercise(step string) string {
	for i, ex := range c.Exercises {
		if ex.Step == step && i+1 < len(c.Exercises) {
			return c.Exercises[i+1].Step
		}
	}
	return step
}
