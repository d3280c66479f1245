package main

// General API documentation for swaggo. Run `swag init -g cmd/relayd/docs.go -o docs` to regenerate.
//
// @title           relayd API
// @version         1.0
// @description     Real-time chat relay between WebSocket clients and local LLM backends.
//
// @contact.name   relayd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
