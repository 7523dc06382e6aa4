package dispatch

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"

	"github.com/devhatro/dbgateway/internal/types"
)

// transportError is a failure to talk to a server over a connection the pool
// considered healthy.
type transportError struct {
	op     string
	server string
	err    error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.op, e.server, e.err)
}

func (e *transportError) Is(target error) bool { return target == types.ErrConnect }

func (e *transportError) Unwrap() error { return e.err }

var conditionText = map[string]string{
	types.ConditionOffline:  "No database server is available to serve this request.",
	types.ConditionBusy:     "All connections to the database server are busy. Please try again shortly.",
	types.ConditionTimeout:  "The database server did not respond in time.",
	types.ConditionBackend:  "The application reported an error.",
	types.ConditionProtocol: "The database server sent an invalid response.",
	types.ConditionNotFound: "No application is configured for this URL.",
	types.ConditionInternal: "The gateway failed to process this request.",
}

// statusFor maps a dispatch error to a response status and error page class.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, types.ConditionInternal
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, types.ConditionInternal
	}
	return types.HTTPStatus(err), types.ConditionClass(err)
}

// errorPage picks the body sent for a failed request: the path's custom page
// for the condition, else the backend's own error text, else a generated page.
func errorPage(pages map[string][]byte, class string, status int, err error) (body []byte, contentType string) {
	if page, ok := pages[class]; ok {
		return page, "text/html; charset=utf-8"
	}
	var be *types.BackendError
	if errors.As(err, &be) {
		return []byte(be.Text), "text/plain; charset=utf-8"
	}
	text := conditionText[class]
	if text == "" {
		text = conditionText[types.ConditionInternal]
	}
	title := html.EscapeString(strconv.Itoa(status) + " " + http.StatusText(status))
	page := fmt.Sprintf("<html>\n<head><title>%s</title></head>\n<body>\n<h1>%s</h1>\n<p>%s</p>\n</body>\n</html>\n",
		title, title, html.EscapeString(text))
	return []byte(page), "text/html; charset=utf-8"
}
