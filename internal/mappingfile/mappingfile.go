// Package mappingfile loads declarative workspace and field-mapping
// configuration and applies it to the sync engine, reloading on change.
package mappingfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/crmsync/internal/crmsync"
)

const schemaURL = "https://schemas.agentworkforce.dev/crmsync/mapping-file.json"

const schemaSource = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workspaces"],
  "additionalProperties": false,
  "properties": {
    "workspaces": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "accountId": {"type": "string"},
          "webhookSecret": {"type": "string"},
          "deletePolicy": {"enum": ["", "mapping_only", "hard_delete"]},
          "autoResolve": {"enum": ["", "prefer_internal", "prefer_external", "merge", "ignore"]},
          "objects": {
            "type": "object",
            "propertyNames": {"enum": ["person", "organization", "deal", "activity"]},
            "additionalProperties": {
              "type": "object",
              "additionalProperties": false,
              "properties": {
                "enabled": {"type": "boolean"},
                "direction": {"enum": ["to_external", "from_external", "bidirectional"]},
                "rules": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["source"],
                    "additionalProperties": false,
                    "properties": {
                      "source": {"type": "string", "minLength": 1},
                      "target": {"type": "string"},
                      "transform": {"enum": ["", "trim", "lowercase", "uppercase", "string", "number", "bool"]}
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

type File struct {
	Workspaces []Workspace `json:"workspaces"`
}

type Workspace struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId,omitempty"`
	// WebhookSecret may reference environment variables as ${NAME}.
	WebhookSecret string                        `json:"webhookSecret,omitempty"`
	DeletePolicy  crmsync.DeletePolicy          `json:"deletePolicy,omitempty"`
	AutoResolve   crmsync.Strategy              `json:"autoResolve,omitempty"`
	Objects       map[crmsync.EntityType]Object `json:"objects,omitempty"`
}

type Object struct {
	Enabled   *bool                 `json:"enabled,omitempty"`
	Direction crmsync.Direction     `json:"direction,omitempty"`
	Rules     []crmsync.MappingRule `json:"rules,omitempty"`
}

// Configurator is the part of the sync service a mapping file drives.
type Configurator interface {
	ConfigureWorkspace(ctx context.Context, settings crmsync.WorkspaceSettings) (crmsync.WorkspaceSettings, error)
	ConfigureObject(ctx context.Context, settings crmsync.ObjectSettings) (crmsync.ObjectSettings, error)
}

var compiled *jsonschema.Schema

func init() {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaSource))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		panic(err)
	}
	compiled = compiler.MustCompile(schemaURL)
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

// Parse validates data against the mapping file schema before decoding it.
func Parse(data []byte) (File, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return File{}, fmt.Errorf("%w: mapping file is not valid json: %v", crmsync.ErrInvalidInput, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return File{}, fmt.Errorf("%w: mapping file: %v", crmsync.ErrInvalidInput, err)
	}
	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return File{}, fmt.Errorf("%w: mapping file: %v", crmsync.ErrInvalidInput, err)
	}
	seen := map[string]bool{}
	for _, ws := range file.Workspaces {
		if seen[ws.ID] {
			return File{}, fmt.Errorf("%w: workspace %q listed twice", crmsync.ErrInvalidInput, ws.ID)
		}
		seen[ws.ID] = true
		for entityType, object := range ws.Objects {
			if err := crmsync.ValidateRules(object.Rules); err != nil {
				return File{}, fmt.Errorf("workspace %s %s: %w", ws.ID, entityType, err)
			}
		}
	}
	return file, nil
}

// Apply writes every workspace and object in file. It keeps going past a
// failing entry and returns the joined errors.
func Apply(ctx context.Context, target Configurator, file File) error {
	var errs []error
	for _, ws := range file.Workspaces {
		_, err := target.ConfigureWorkspace(ctx, crmsync.WorkspaceSettings{
			WorkspaceID:   ws.ID,
			AccountID:     ws.AccountID,
			WebhookSecret: os.ExpandEnv(ws.WebhookSecret),
			DeletePolicy:  ws.DeletePolicy,
			AutoResolve:   ws.AutoResolve,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("workspace %s: %w", ws.ID, err))
			continue
		}
		types := make([]string, 0, len(ws.Objects))
		for entityType := range ws.Objects {
			types = append(types, string(entityType))
		}
		sort.Strings(types)
		for _, name := range types {
			object := ws.Objects[crmsync.EntityType(name)]
			enabled := true
			if object.Enabled != nil {
				enabled = *object.Enabled
			}
			direction := object.Direction
			if direction == "" {
				direction = crmsync.DirectionBidirectional
			}
			if _, err := target.ConfigureObject(ctx, crmsync.ObjectSettings{
				WorkspaceID: ws.ID,
				EntityType:  crmsync.EntityType(name),
				Enabled:     enabled,
				Direction:   direction,
				Rules:       object.Rules,
			}); err != nil {
				errs = append(errs, fmt.Errorf("workspace %s %s: %w", ws.ID, name, err))
			}
		}
	}
	return errors.Join(errs...)
}
