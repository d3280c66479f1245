package httpapi

// maxBodyBytes controls the maximum allowed request body size for the JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

// swaggerEnabled mounts /swagger/* when set.
var swaggerEnabled bool

// SetSwagger toggles the Swagger UI.
func SetSwagger(enabled bool) { swaggerEnabled = enabled }

// defaultModel binds /ws connections that name no model.
var defaultModel string

// SetDefaultModel sets the model bound to /ws; empty leaves such sessions unbound.
func SetDefaultModel(name string) { defaultModel = name }
