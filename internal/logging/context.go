package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	storyIDKey   contextKey = "story_id"
	agentTypeKey contextKey = "agent_type"
	requestIDKey contextKey = "request_id"
)

// WithStoryID attaches a story ID for log correlation.
func WithStoryID(ctx context.Context, storyID string) context.Context {
	return context.WithValue(ctx, storyIDKey, storyID)
}

// WithAgentType attaches the worker agent type.
func WithAgentType(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentTypeKey, agent)
}

// WithRequestID attaches an HTTP request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if v, ok := ctx.Value(storyIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("story_id", v))
	}
	if v, ok := ctx.Value(agentTypeKey).(string); ok && v != "" {
		fields = append(fields, zap.String("agent_type", v))
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("request_id", v))
	}
	return fields
}
