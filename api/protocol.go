package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const maxBodySize = 64 << 10

type resultEnvelope struct {
	Result resultData `json:"result"`
}

type resultData struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

func writeResult(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, resultEnvelope{Result: resultData{Data: data}})
}

func writeError(c echo.Context, err error) error {
	code := domain.CodeOf(err)
	msg := err.Error()
	var de *domain.Error
	if !errors.As(err, &de) {
		msg = "internal server error"
	}
	return c.JSON(statusForCode(code), errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

func statusForCode(code domain.Code) int {
	switch code {
	case domain.CodeBadRequest:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func codeForStatus(status int) domain.Code {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return domain.CodeBadRequest
	case http.StatusUnauthorized:
		return domain.CodeUnauthorized
	case http.StatusForbidden:
		return domain.CodeForbidden
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return domain.CodeNotFound
	default:
		return domain.CodeInternal
	}
}

// decodeInput reads a JSON body into v. An empty body leaves v at its zero
// value so the procedure's own validation reports what is missing.
func decodeInput(c echo.Context, v any) error {
	req := c.Request()
	body := http.MaxBytesReader(c.Response(), req.Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Validation("request body exceeds %d bytes", maxBodySize)
		}
		var de *domain.Error
		if errors.As(err, &de) {
			return de
		}
		return domain.Validation("invalid body")
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return domain.Validation("invalid body: trailing data after JSON value")
	}
	return nil
}

// ErrorHandler renders errors that escape handlers, such as unknown routes or
// rejected gzip bodies, in the RPC error envelope.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, errorEnvelope{Error: errorBody{Code: codeForStatus(he.Code), Message: msg}})
		}
	} else {
		err = writeError(c, err)
	}
	if err != nil {
		log.WithError(err).Error("write error response")
	}
}
