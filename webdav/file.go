// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"os"
)

// FileSystem implements access to a collection of named resources (the
// resource abstraction of §4.A). The elements of a resource path are
// separated by slash ('/', U+002F) characters, regardless of host
// operating system convention.
//
// Stat is "describe", OpenFile covers both "open_read" and "open_write"
// (the flag selects which; O_TRUNC is the PUT "truncate" mode), Mkdir is
// "mkcol", RemoveAll covers "unlink"/"rmdir", and Rename backs the
// destructive half of MOVE. Every method takes a context so the dispatcher
// can thread the authenticated principal down to the permission check
// without the resource abstraction itself knowing anything about locks or
// policy — authorization lives in internal/auth, not here.
type FileSystem interface {
	Mkdir(ctx context.Context, name string, perm os.FileMode) error
	OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (File, error)
	RemoveAll(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName, newName string) error
	Stat(ctx context.Context, name string) (os.FileInfo, error)
}

// File is returned by a FileSystem's OpenFile method and can be served by a
// Handler. Collections support Readdir; non-collections support
// Read/Write/Seek.
type File interface {
	http.File
	io.Writer
	DeadPropsHolder
}

// DeadPropsHolder is implemented by Files that can load and patch their own
// dead (client-supplied) properties. The property manager (component B)
// is the thing that actually persists these; a File's DeadProps/Patch pair
// is usually a thin adapter over it keyed by the file's display path.
type DeadPropsHolder interface {
	DeadProps() (map[xml.Name]Property, error)
	Patch([]Proppatch) ([]Propstat, error)
}

// Property represents a single DAV property, dead or live, as it appears
// on the wire: a namespaced name and its raw, already-XML-encoded value.
// The property manager (component B) stores these keyed by (url,
// namespace, local name); live properties such as getcontentlength never
// reach the store and are computed from os.FileInfo instead.
type Property struct {
	// XMLName is the fully qualified name that identifies this property.
	XMLName xml.Name

	// Lang is an optional xml:lang attribute.
	Lang string `xml:"xml:lang,attr,omitempty"`

	// InnerXML contains the XML representation of the property value.
	// See the comment in Proppatch for more details.
	InnerXML []byte `xml:",innerxml"`
}

// Proppatch describes a property update instruction as defined in RFC 4918.
// See http://www.webdav.org/specs/rfc4918.html#METHOD_PROPPATCH
type Proppatch struct {
	// Remove specifies whether this patch removes properties. If it does not
	// remove them, it sets them.
	Remove bool
	// Props contains the properties to be set or removed.
	Props []Property
}

// Propstat describes a XML propstat element as defined in RFC 4918.
// See http://www.webdav.org/specs/rfc4918.html#ELEMENT_propstat
type Propstat struct {
	// Props contains the properties for which Status applies.
	Props []Property

	// Status defines the HTTP status code of the properties in Prop.
	// Allowed values include, but are not limited to the WebDAV status
	// code extensions for HTTP/1.1.
	// http://www.webdav.org/specs/rfc4918.html#status.code.extensions.to.http11
	Status int

	// XMLError contains the XML representation of the optional error body.
	// See http://www.webdav.org/specs/rfc4918.html#ELEMENT_error
	XMLError string

	// ResponseDescription contains the contents of the optional
	// responsedescription field. As per RFC 4918 this field SHOULD NOT be
	// used to convey information specific to a single property.
	ResponseDescription string
}

var (
	// The errors need to be public so that implementations can
	// return them, as there are equality checks done against them!
	ErrDestinationEqualsSource = errors.New("webdav: destination equals source")
	ErrDirectoryNotEmpty       = errors.New("webdav: directory not empty")
	ErrInvalidDepth            = errors.New("webdav: invalid depth")
	ErrInvalidDestination      = errors.New("webdav: invalid destination")
	ErrInvalidIfHeader         = errors.New("webdav: invalid If header")
	ErrInvalidLockInfo         = errors.New("webdav: invalid lock info")
	ErrInvalidLockToken        = errors.New("webdav: invalid lock token")
	ErrInvalidPropfind         = errors.New("webdav: invalid propfind")
	ErrInvalidProppatch        = errors.New("webdav: invalid proppatch")
	ErrInvalidResponse         = errors.New("webdav: invalid response")
	ErrInvalidTimeout          = errors.New("webdav: invalid timeout")
	ErrNoFileSystem            = errors.New("webdav: no file system")
	ErrNoLockSystem            = errors.New("webdav: no lock system")
	ErrNotADirectory           = errors.New("webdav: not a directory")
	ErrPrefixMismatch          = errors.New("webdav: prefix mismatch")
	ErrRecursionTooDeep        = errors.New("webdav: recursion too deep")
	ErrUnsupportedLockInfo     = errors.New("webdav: unsupported lock info")
	ErrUnsupportedMethod       = errors.New("webdav: unsupported method")
	ErrNotAllowed              = errors.New("webdav: not allowed")
	ErrForbiddenName           = errors.New("webdav: protected DAV: property name")
)
