package validation

import "github.com/bidflow/bidflow/pkg/schema"

// Task output schemas, JSON Schema Draft 2020-12. Embedded as constants
// to avoid filesystem dependencies. A generation payload that fails its
// task's schema is malformed output, not a transient fault.

const rfpAnalysisSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["summary", "requirements"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "client_name": {"type": "string"},
    "scope": {
      "type": "array",
      "items": {"type": "string"}
    },
    "requirements": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["text"],
        "properties": {
          "text": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "mandatory": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    },
    "deadlines": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label"],
        "properties": {
          "label": {"type": "string"},
          "date": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "evaluation_criteria": {
      "type": "array",
      "items": {"type": "string"}
    }
  },
  "additionalProperties": false
}`

const challengeExtractionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["challenges"],
  "properties": {
    "challenges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "description"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "severity": {"type": "string", "enum": ["low", "medium", "high"]}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

const discoveryQuestionsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["questions"],
  "properties": {
    "questions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["question"],
        "properties": {
          "question": {"type": "string", "minLength": 1},
          "rationale": {"type": "string"},
          "topic": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

const valuePropositionsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["propositions"],
  "properties": {
    "propositions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["statement"],
        "properties": {
          "statement": {"type": "string", "minLength": 1},
          "challenge": {"type": "string"},
          "evidence": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

const caseStudyMatchingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["matches"],
  "properties": {
    "matches": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["case_study"],
        "properties": {
          "case_study": {"type": "string", "minLength": 1},
          "challenge": {"type": "string"},
          "relevance": {"type": "number", "minimum": 0, "maximum": 1},
          "excerpt": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

const proposalOutlineSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["sections"],
  "properties": {
    "executive_summary": {"type": "string"},
    "sections": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["heading"],
        "properties": {
          "heading": {"type": "string", "minLength": 1},
          "bullets": {
            "type": "array",
            "items": {"type": "string"}
          }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// taskSchemas maps each analysis task to its output schema source.
var taskSchemas = map[schema.TaskName]string{
	schema.TaskRFPAnalysis:        rfpAnalysisSchema,
	schema.TaskChallengeExtract:   challengeExtractionSchema,
	schema.TaskDiscoveryQuestions: discoveryQuestionsSchema,
	schema.TaskValuePropositions:  valuePropositionsSchema,
	schema.TaskCaseStudyMatching:  caseStudyMatchingSchema,
	schema.TaskProposalOutline:    proposalOutlineSchema,
}
