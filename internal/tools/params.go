package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
	swaggest "github.com/swaggest/jsonschema-go"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Field limits shared by the tools and the task REST handlers.
const (
	MaxTitleLen       = 1000
	MaxDescriptionLen = 1000
)

type CreateTaskParams struct {
	Title       string  `json:"title" required:"true" minLength:"1" maxLength:"1000" description:"Short task title" validate:"notblank,max=1000"`
	Description *string `json:"description,omitempty" maxLength:"1000" description:"Optional details" validate:"omitempty,max=1000"`
}

type ListTasksParams struct {
	Status string `json:"status,omitempty" enum:"all,pending,completed" default:"all" description:"Which tasks to return" validate:"omitempty,oneof=all pending completed"`
}

type TaskIDParams struct {
	TaskID int64 `json:"task_id" required:"true" minimum:"1" description:"Id of an existing task" validate:"gt=0"`
}

type UpdateTaskParams struct {
	TaskID      int64   `json:"task_id" required:"true" minimum:"1" description:"Id of an existing task" validate:"gt=0"`
	Title       *string `json:"title,omitempty" minLength:"1" maxLength:"1000" description:"New title" validate:"omitempty,notblank,max=1000"`
	Description *string `json:"description,omitempty" maxLength:"1000" description:"New description" validate:"omitempty,max=1000"`
}

// paramTypes maps each tool to the struct its params decode into.
var paramTypes = map[Name]any{
	CreateTask:   CreateTaskParams{},
	ListTasks:    ListTasksParams{},
	CompleteTask: TaskIDParams{},
	DeleteTask:   TaskIDParams{},
	UpdateTask:   UpdateTaskParams{},
}

// ParamError is a parameter-shape violation. It is reported to the model as
// a validation_error and never reaches the store.
type ParamError struct {
	Tool    Name
	Message string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once

	printer = message.NewPrinter(language.English)
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			return name
		})
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return validate
}

// schemaSet holds the reflected and compiled schema for every tool.
type schemaSet struct {
	raw      map[Name]json.RawMessage
	compiled map[Name]*jsonschema.Schema
}

var loadSchemas = sync.OnceValues(func() (*schemaSet, error) {
	set := &schemaSet{
		raw:      make(map[Name]json.RawMessage, len(paramTypes)),
		compiled: make(map[Name]*jsonschema.Schema, len(paramTypes)),
	}
	r := swaggest.Reflector{}
	c := jsonschema.NewCompiler()
	for name, sample := range paramTypes {
		s, err := r.Reflect(sample)
		if err != nil {
			return nil, fmt.Errorf("reflect %s schema: %w", name, err)
		}
		raw, err := json.Marshal(&s)
		if err != nil {
			return nil, fmt.Errorf("marshal %s schema: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		url := string(name) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		set.raw[name] = raw
		set.compiled[name] = compiled
	}
	return set, nil
})

// decodeParams checks params against the tool's schema, decodes them into
// dst and runs the struct rules. Null values count as absent.
func decodeParams(name Name, params map[string]any, dst any) error {
	set, err := loadSchemas()
	if err != nil {
		return err
	}
	cleaned := make(map[string]any, len(params))
	for k, v := range params {
		if v != nil {
			cleaned[k] = v
		}
	}
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return &ParamError{Tool: name, Message: "params are not valid JSON"}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ParamError{Tool: name, Message: "params are not valid JSON"}
	}
	if err := set.compiled[name].Validate(doc); err != nil {
		return &ParamError{Tool: name, Message: describeSchemaError(err)}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ParamError{Tool: name, Message: "params have the wrong type"}
	}
	if err := structValidator().Struct(dst); err != nil {
		return &ParamError{Tool: name, Message: describeStructError(err)}
	}
	return nil
}

func describeSchemaError(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.Join(e.InstanceLocation, ".")
			msg := e.ErrorKind.LocalizedString(printer)
			if field != "" {
				msg = field + ": " + msg
			}
			msgs = append(msgs, msg)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(msgs, "; ")
}

func describeStructError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "notblank":
			msgs = append(msgs, fe.Field()+" must not be blank")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		case "gt":
			msgs = append(msgs, fe.Field()+" must be a positive integer")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// Schema returns the JSON Schema for the tool's params.
func Schema(name Name) (json.RawMessage, error) {
	set, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	raw, ok := set.raw[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return raw, nil
}

// ValidateStruct applies the same struct rules used for tool params to v,
// so REST bodies and tool params fail the same way.
func ValidateStruct(v any) error {
	if err := structValidator().Struct(v); err != nil {
		return errors.New(describeStructError(err))
	}
	return nil
}
