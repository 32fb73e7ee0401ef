package mcp_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

type contactForm struct {
	Name       string `json:"name" jsonschema:"title=Name,minLength=1,maxLength=64"`
	Email      string `json:"email" jsonschema:"format=email"`
	Age        *int   `json:"age,omitempty" jsonschema:"minimum=0,maximum=150"`
	Language   string `json:"language,omitempty" jsonschema:"enum=en,enum=fr,default=en"`
	Newsletter bool   `json:"newsletter,omitempty" jsonschema:"description=Subscribe to the newsletter"`
}

type nestedForm struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

func TestElicitationSchema(t *testing.T) {
	raw, err := mcp.ElicitationSchema[contactForm]()
	require.NoError(t, err)

	var schema struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	require.NoError(t, json.Unmarshal(raw, &schema))

	assert.Equal(t, "object", schema.Type)
	assert.ElementsMatch(t, []string{"name", "email"}, schema.Required)
	require.Len(t, schema.Properties, 5)

	name := schema.Properties["name"]
	assert.Equal(t, "string", name["type"])
	assert.Equal(t, "Name", name["title"])
	assert.EqualValues(t, 1, name["minLength"])
	assert.EqualValues(t, 64, name["maxLength"])

	assert.Equal(t, "email", schema.Properties["email"]["format"])
	assert.Equal(t, "integer", schema.Properties["age"]["type"])
	assert.Equal(t, []any{"en", "fr"}, schema.Properties["language"]["enum"])
	assert.Equal(t, "en", schema.Properties["language"]["default"])
	assert.Equal(t, "boolean", schema.Properties["newsletter"]["type"])
	assert.Equal(t, "Subscribe to the newsletter", schema.Properties["newsletter"]["description"])
}

func TestElicitationSchemaRejectsNestedTypes(t *testing.T) {
	_, err := mcp.ElicitationSchema[nestedForm]()
	require.ErrorIs(t, err, mcp.ErrProtocol)
}

func TestNewElicitationParams(t *testing.T) {
	params, err := mcp.NewElicitationParams[contactForm]("Who are you?")
	require.NoError(t, err)

	assert.Equal(t, "Who are you?", params.Message)
	assert.Contains(t, string(params.RequestedSchema), `"email"`)
}
