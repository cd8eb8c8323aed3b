package llm

// JSON schemas for the structured outputs requested from the model. They are
// strict: every property is required and no extra properties are allowed, as
// required by OpenAI structured outputs.

const sopSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["expert_reasoning", "standard_operating_procedure"],
  "properties": {
    "expert_reasoning": {"type": "string"},
    "standard_operating_procedure": {"type": "string", "minLength": 1}
  }
}`

const graphSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "description", "workflow_graph", "edges"],
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "workflow_graph": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["node_id", "node_objective", "node_context", "action_type", "tool_category"],
        "properties": {
          "node_id": {"type": "string", "minLength": 1},
          "node_objective": {"type": "string"},
          "node_context": {"type": "string"},
          "action_type": {"type": "string"},
          "tool_category": {"type": "string", "enum": ["integration", "prompt"]}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["from", "to", "condition"],
        "properties": {
          "from": {"type": "string"},
          "to": {"type": "string"},
          "condition": {"type": "string"}
        }
      }
    }
  }
}`

const selectionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["reasoning", "tool_name", "integration_name", "question"],
  "properties": {
    "reasoning": {"type": "string"},
    "tool_name": {"type": "string"},
    "integration_name": {"type": "string"},
    "question": {"type": "string"}
  }
}`

const parameterSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "type", "description", "required"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "type": {"type": "string"},
    "description": {"type": "string"},
    "required": {"type": "boolean"}
  }
}`

const synthesisSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["title", "tool_description", "short_description", "prompt", "input_parameters", "output_parameters"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "tool_description": {"type": "string"},
    "short_description": {"type": "string"},
    "prompt": {"type": "string", "minLength": 1},
    "input_parameters": {"type": "array", "items": ` + parameterSchema + `},
    "output_parameters": {"type": "array", "items": ` + parameterSchema + `}
  }
}`
