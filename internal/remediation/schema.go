package remediation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/miradorstack/mirador-heal/internal/models"
)

const retrySchema = `"max_retries": {"type": "integer", "minimum": 1, "maximum": 20},
		"retry_delay_seconds": {"type": "number", "minimum": 0, "maximum": 300}`

var configSchemas = map[models.FixType]string{
	models.FixReconnectCache: `{
	"type": "object",
	"properties": {
		` + retrySchema + `
	}
}`,
	models.FixReleaseIdleConnections: `{
	"type": "object",
	"properties": {
		"settle_seconds": {"type": "number", "minimum": 0, "maximum": 60}
	}
}`,
	models.FixCircuitBreakProvider: `{
	"type": "object",
	"required": ["provider"],
	"properties": {
		"provider": {"type": "string", "minLength": 1},
		"fallback_providers": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"reason": {"type": "string"},
		` + retrySchema + `
	}
}`,
	models.FixResetStreamingConnections: `{
	"type": "object",
	"properties": {
		"max_age_seconds": {"type": "number", "minimum": 0}
	}
}`,
	models.FixClearCaches: `{
	"type": "object",
	"required": ["cache_names"],
	"properties": {
		"cache_names": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
	}
}`,
	models.FixKillRunawayJobs: `{
	"type": "object",
	"properties": {
		"max_runtime_minutes": {"type": "integer", "minimum": 1},
		"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
	}
}`,
	models.FixAlertOnly: `{
	"type": "object",
	"properties": {
		"severity": {"enum": ["info", "low", "warning", "medium", "high", "critical"]},
		"escalate": {"type": "boolean"},
		"message": {"type": "string"}
	}
}`,
}

var (
	compileOnce     sync.Once
	compiledSchemas map[models.FixType]*gojsonschema.Schema
	compileErr      error
)

func schemas() (map[models.FixType]*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchemas = make(map[models.FixType]*gojsonschema.Schema, len(configSchemas))
		for ft, src := range configSchemas {
			s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", ft, err)
				return
			}
			compiledSchemas[ft] = s
		}
	})
	return compiledSchemas, compileErr
}

// ValidateConfig checks a fix configuration against the schema of its fix type.
func ValidateConfig(ft models.FixType, cfg map[string]any) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	schema, ok := all[ft]
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownFixType, ft)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode %s config: %w", ft, err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("invalid %s config: %s", ft, strings.Join(problems, "; "))
	}
	return nil
}
