package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Ecole PEG Reconciler",
        "description": "Operations API of the session and enrollment status reconciler",
        "version": "1.0.0"
    },
    "basePath": "/",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Ops", "description": "Manual reconciliation"},
        {"name": "Probes", "description": "Liveness, readiness and metrics"}
    ],
    "paths": {
        "/health": {
            "get": {
                "tags": ["Probes"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/ready": {
            "get": {
                "tags": ["Probes"],
                "summary": "Readiness check",
                "description": "Pings the database.",
                "responses": {
                    "200": {"description": "Ready"},
                    "503": {"description": "Database unreachable"}
                }
            }
        },
        "/metrics": {
            "get": {
                "tags": ["Probes"],
                "summary": "Prometheus metrics",
                "produces": ["text/plain"],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/api/v1/admin/sessions/{id}/reconcile": {
            "post": {
                "tags": ["Ops"],
                "summary": "Reconcile a session",
                "description": "Applies the end-date transition and recomputes the session status.",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ReconcileEnvelope"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/admin/enrollments/{id}/reconcile": {
            "post": {
                "tags": ["Ops"],
                "summary": "Reconcile an enrollment",
                "description": "Recomputes the enrollment status, then its session.",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ReconcileEnvelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/admin/sweep": {
            "post": {
                "tags": ["Ops"],
                "summary": "Run the reconcile sweep now",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/SweepEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "Transition": {
            "type": "object",
            "properties": {
                "entity": {"type": "string", "enum": ["session", "enrollment"]},
                "id": {"type": "string"},
                "from": {"type": "string"},
                "to": {"type": "string"}
            }
        },
        "ReconcileReport": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "transitions": {"type": "array", "items": {"$ref": "#/definitions/Transition"}}
            }
        },
        "SweepReport": {
            "type": "object",
            "properties": {
                "due": {"type": "integer"},
                "enqueued": {"type": "integer"},
                "coalesced": {"type": "integer"},
                "reconciled": {"type": "integer"},
                "failed": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "fields": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        },
        "ReconcileEnvelope": {
            "type": "object",
            "properties": {
                "data": {"$ref": "#/definitions/ReconcileReport"}
            }
        },
        "SweepEnvelope": {
            "type": "object",
            "properties": {
                "data": {"$ref": "#/definitions/SweepReport"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
