// Copyright 2014 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webdav

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// http://www.webdav.org/specs/rfc4918.html#status.code.extensions.to.http11
const (
	StatusMulti               = 207
	StatusUnprocessableEntity = 422
	StatusLocked              = 423
	StatusFailedDependency    = 424
	StatusInsufficientStorage = 507
)

var extStatusText = map[int]string{
	StatusMulti:               "Multi-Status",
	StatusUnprocessableEntity: "Unprocessable Entity",
	StatusLocked:              "Locked",
	StatusFailedDependency:    "Failed Dependency",
	StatusInsufficientStorage: "Insufficient Storage",
}

// Error is the common error type returned by Handler methods and by the
// components (realm, property, lock, resource, authenticator) underneath
// it. It carries the HTTP status the Handler should write, independent of
// whatever internal cause produced it.
type Error struct {
	code  int
	text  string
	cause error
}

// Error codes that are reportable from the API.
var (
	ErrorNotYetImplemented = Error{code: http.StatusNotImplemented, text: "NotYetImplemented"}
	ErrorBadPath           = Error{code: http.StatusBadRequest, text: "BadPath"}
	ErrorNotFound          = Error{code: http.StatusNotFound, text: "NotFound"}
	ErrorConflict          = Error{code: http.StatusConflict, text: "Conflict"}
	ErrorNotAllowed        = Error{code: http.StatusMethodNotAllowed, text: "NotAllowed"}
	ErrorForbidden         = Error{code: http.StatusForbidden, text: "Forbidden"}
	ErrorUnauthorized      = Error{code: http.StatusUnauthorized, text: "Unauthorized"}
	ErrorUnsupportedType   = Error{code: http.StatusUnsupportedMediaType, text: "UnsupportedType"}
	ErrorIsDir             = Error{code: http.StatusMethodNotAllowed, text: "IsDir"}
	// ErrorCollectionOrBadParent is PUT's own 400 for "target is a
	// collection" or "parent is not a collection", per spec §4.G ("PUT ...
	// Fails 400 if target is a collection or parent is not a collection"),
	// distinct from MKCOL's 405/409 for the same underlying conditions.
	ErrorCollectionOrBadParent = Error{code: http.StatusBadRequest, text: "CollectionOrBadParent"}
	ErrorIsNotDir          = Error{code: http.StatusMethodNotAllowed, text: "IsNotDir"}
	ErrorMissingParent     = Error{code: http.StatusConflict, text: "MissingParent"}
	ErrorUnderrun          = Error{code: http.StatusBadRequest, text: "Underrun"}
	ErrorBadHost           = Error{code: http.StatusBadGateway, text: "BadHost"}
	ErrorBadDepth          = Error{code: http.StatusBadRequest, text: "BadDepth"}
	ErrorBadDest           = Error{code: http.StatusBadRequest, text: "BadDest"}
	ErrorBadPropfind       = Error{code: http.StatusBadRequest, text: "BadPropfind"}
	ErrorDestExists        = Error{code: http.StatusPreconditionFailed, text: "DestExists"}
	ErrorSameFile          = Error{code: http.StatusForbidden, text: "SameFile"}
	ErrorBadProppatch      = Error{code: http.StatusBadRequest, text: "BadProppatch"}
	ErrorLocked            = Error{code: StatusLocked, text: "Locked"}
	ErrorBadLock           = Error{code: http.StatusBadRequest, text: "BadLock"}
	ErrorBadIf             = Error{code: http.StatusBadRequest, text: "BadIf"}
	ErrorBadRange          = Error{code: http.StatusBadRequest, text: "BadRange"}
	ErrorRangeNotSatisfiable = Error{code: http.StatusRequestedRangeNotSatisfiable, text: "RangeNotSatisfiable"}
	ErrorPreconditionFailed  = Error{code: http.StatusPreconditionFailed, text: "PreconditionFailed"}
)

// WithCause chains an internal cause onto a reported HTTP error code. The
// cause is logged via zerolog but never serialized to the client.
func (e Error) WithCause(cause error) Error {
	return Error{code: e.code, text: e.text, cause: errors.WithStack(cause)}
}

// HTTPCode gets the HTTP error code appropriate for the error.
func (e Error) HTTPCode() int {
	return e.code
}

// HTTPStatus gets the HTTP status text to use for the error.
func (e Error) HTTPStatus() string {
	if t, ok := extStatusText[e.code]; ok {
		return t
	}
	return http.StatusText(e.code)
}

// InternalCause gets the underlying cause of the error. It should not
// generally be sent to the client, but is useful for server-side logging.
func (e Error) InternalCause() error {
	return e.cause
}

func (e Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%d %s: %s (%s)", e.code, e.HTTPStatus(), e.text, e.cause)
	}
	return fmt.Sprintf("%d %s: %s", e.code, e.HTTPStatus(), e.text)
}

func (e Error) String() string {
	return e.Error()
}

// Cause lets errors.Cause(err) from github.com/pkg/errors unwrap an Error
// to whatever caused it, so callers further up the stack can still test for
// a specific sentinel with errors.Is against the original cause.
func (e Error) Cause() error {
	return e.cause
}

// httpCodeOf reports the status a Handler method should write for err,
// falling back to 500 for anything that isn't one of this package's typed
// Errors (a bare os.* error reaching the dispatcher is always a bug
// somewhere below it, not a client-correctable condition).
func httpCodeOf(err error) int {
	if e, ok := err.(Error); ok {
		return e.HTTPCode()
	}
	return http.StatusInternalServerError
}

// statusText renders the reason phrase for status, including the WebDAV
// status code extensions net/http's table doesn't know about.
func statusText(status int) string {
	if t, ok := extStatusText[status]; ok {
		return t
	}
	return http.StatusText(status)
}
