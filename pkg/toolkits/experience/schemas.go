package experience

import "encoding/json"

// queryExperiencesSchema is the JSON Schema for the query_experiences tool input.
// Numeric bounds are checked server-side so violations produce messages
// naming the configured bound.
var queryExperiencesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "keywords": {
      "type": "array",
      "description": "Keywords to match (case-insensitive, exact keyword match)",
      "items": {"type": "string"}
    },
    "query": {
      "type": "string",
      "description": "Optional free text. Uses semantic search when an embedding provider is configured, otherwise text search"
    },
    "limit": {
      "type": "integer",
      "description": "Maximum number of results (1 to the server's configured maximum)"
    },
    "offset": {
      "type": "integer",
      "description": "Number of results to skip (0 or more)"
    },
    "sort": {
      "type": "string",
      "description": "Result order (defaults to 'relevance'). Valid values: relevance, query_count, created_at"
    }
  }
}`)

// submitExperienceSchema is the JSON Schema for the submit_experience tool input.
var submitExperienceSchema = json.RawMessage(`{
  "type": "object",
  "required": ["title", "problem_description", "solution"],
  "properties": {
    "title": {
      "type": "string",
      "description": "Short summary of the problem (at most 500 characters)",
      "maxLength": 500
    },
    "problem_description": {
      "type": "string",
      "description": "What was observed"
    },
    "root_cause": {
      "type": "string",
      "description": "Why it happened"
    },
    "solution": {
      "type": "string",
      "description": "How it was fixed"
    },
    "context": {
      "type": "string",
      "description": "Relevant environment details (at most 10000 characters)",
      "maxLength": 10000
    },
    "keywords": {
      "type": "array",
      "description": "Search keywords, at least 3 recommended",
      "items": {"type": "string"},
      "minItems": 3
    }
  }
}`)
