// Package docs holds the OpenAPI document served at /swagger/doc.json.
// Regenerate with `swag init -g cmd/relayd/docs.go -o docs` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "relayd maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/models": {
            "get": {
                "description": "Backend catalog merged with loaded models, deduplicated and sorted.",
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List models",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/types.ModelsResponse"}
                    }
                }
            }
        },
        "/models/{model}": {
            "delete": {
                "description": "Releases the loaded model; sessions still using it finish first.",
                "tags": ["models"],
                "summary": "Unload a model",
                "parameters": [
                    {"type": "string", "description": "Model name", "name": "model", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {
                        "description": "Not Found",
                        "schema": {"$ref": "#/definitions/types.ErrorResponse"}
                    }
                }
            }
        },
        "/pull/{model}": {
            "post": {
                "description": "Makes the model available locally. Concurrent pulls of one model share a single transfer.",
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "Pull a model",
                "parameters": [
                    {"type": "string", "description": "Model name", "name": "model", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/types.PullResponse"}
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {"$ref": "#/definitions/types.ErrorResponse"}
                    },
                    "500": {
                        "description": "Internal Server Error",
                        "schema": {"$ref": "#/definitions/types.ErrorResponse"}
                    },
                    "504": {
                        "description": "Gateway Timeout",
                        "schema": {"$ref": "#/definitions/types.ErrorResponse"}
                    }
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["status"],
                "summary": "Service status",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/types.StatusResponse"}
                    }
                }
            }
        },
        "/ws/{model}": {
            "get": {
                "description": "Upgrades to a WebSocket. /ws/{model} binds the session to a model; /ws binds the default model, if any.",
                "tags": ["chat"],
                "summary": "Open a chat session",
                "parameters": [
                    {"type": "string", "description": "Model name", "name": "model", "in": "path"}
                ],
                "responses": {
                    "101": {"description": "Switching Protocols"},
                    "400": {
                        "description": "Bad Request",
                        "schema": {"$ref": "#/definitions/types.ErrorResponse"}
                    },
                    "503": {
                        "description": "server shutting down",
                        "schema": {"type": "string"}
                    }
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 400},
                "error": {"type": "string", "example": "invalid model name"}
            }
        },
        "types.HandleStatus": {
            "type": "object",
            "properties": {
                "created_unix": {"type": "integer", "example": 1700000000},
                "in_use": {"type": "integer", "example": 1},
                "last_used_unix": {"type": "integer", "example": 1700000100},
                "model": {"type": "string", "example": "llama3"}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "models": {
                    "type": "array",
                    "items": {"type": "string"},
                    "example": ["llama3:latest"]
                }
            }
        },
        "types.PullResponse": {
            "type": "object",
            "properties": {
                "message": {"type": "string", "example": "Model llama3 pulled successfully"},
                "status": {"type": "string", "example": "success"}
            }
        },
        "types.PullStatus": {
            "type": "object",
            "properties": {
                "completed": {"type": "integer", "example": 104857600},
                "model": {"type": "string", "example": "mistral"},
                "phase": {"type": "string", "example": "downloading"},
                "started_unix": {"type": "integer", "example": 1700000000},
                "total": {"type": "integer", "example": 4109853248},
                "waiters": {"type": "integer", "example": 2}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "backend": {"type": "string", "example": "ollama"},
                "evictions_total": {"type": "integer", "example": 5},
                "handles": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/types.HandleStatus"}
                },
                "loads_total": {"type": "integer", "example": 12},
                "max_handles": {"type": "integer", "example": 100},
                "pulls": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/types.PullStatus"}
                },
                "server_time_unix": {"type": "integer", "example": 1700000000},
                "sessions": {"type": "integer", "example": 3},
                "uptime_seconds": {"type": "integer", "example": 3600}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "relayd API",
	Description:      "Real-time chat relay between WebSocket clients and local LLM backends.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
