package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/domain"
)

const tracerName = "taskboard/service"

const (
	attrUserID    = attribute.Key("taskboard.user_id")
	attrTaskID    = attribute.Key("taskboard.task_id")
	attrErrorCode = attribute.Key("taskboard.error_code")
)

func startSpan(ctx context.Context, procedure, userID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attrUserID.String(userID))
	return otel.Tracer(tracerName).Start(ctx, procedure, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attrErrorCode.String(string(domain.CodeOf(err))))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
