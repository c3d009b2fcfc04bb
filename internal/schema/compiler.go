package schema

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// Document kinds accepted by the admin API
const (
	KindQuestion = "question"
	KindEndpoint = "endpoint"
	KindWelcome  = "welcome"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var ErrUnknownKind = errors.New("unknown document kind")

// ValidationError lists every violation found in a document
type ValidationError struct {
	Kind    string
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, strings.Join(e.Details, "; "))
}

// Compiler compiles the embedded admin document schemas on first use and caches them
type Compiler struct {
	mu       sync.Mutex
	compiler *js.Compiler
	cache    *expirable.LRU[string, *js.Schema]
}

func NewCompilerWithCache(maxSize int) *Compiler {
	c := js.NewCompiler()
	c.Draft = js.Draft2020
	return &Compiler{
		compiler: c,
		cache:    expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
	}
}

// Prepare compiles and caches the schema for kind
func (c *Compiler) Prepare(ctx context.Context, kind string) (*js.Schema, error) {
	if compiled, ok := c.cache.Get(kind); ok {
		return compiled, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.cache.Get(kind); ok {
		return compiled, nil
	}

	raw, err := schemaFS.ReadFile("schemas/" + kind + ".json")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	resourceURL := "mem://surveybot/" + kind + ".json"
	if err := c.compiler.AddResource(resourceURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}
	compiled, err := c.compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	c.cache.Add(kind, compiled)
	return compiled, nil
}

// Validate checks a raw JSON document against the schema for kind
func (c *Compiler) Validate(ctx context.Context, kind string, document []byte) error {
	compiled, err := c.Prepare(ctx, kind)
	if err != nil {
		return err
	}

	var value interface{}
	if err := json.Unmarshal(document, &value); err != nil {
		return &ValidationError{Kind: kind, Details: []string{"malformed JSON: " + err.Error()}}
	}

	if err := compiled.Validate(value); err != nil {
		var ve *js.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Kind: kind, Details: leafMessages(ve)}
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// leafMessages flattens the cause tree into "location: message" lines
func leafMessages(ve *js.ValidationError) []string {
	var out []string
	var walk func(*js.ValidationError)
	walk = func(e *js.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
