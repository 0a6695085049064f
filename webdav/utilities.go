// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package webdav

import (
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// SlashClean is equivalent to but slightly more efficient than
// path.Clean("/" + name).
func SlashClean(name string) string {
	if name == "" || name[0] != '/' {
		name = "/" + name
	}
	return path.Clean(name)
}

// WalkFS traverses filesystem fs starting at name up to depth levels.
//
// Allowed values for depth are 0, 1 or InfiniteDepth. For each visited node,
// walkFS calls walkFn. If a visited file system node is a directory and
// walkFn returns filepath.SkipDir, WalkFS will skip traversal of this node.
func WalkFS(ctx context.Context, fs FileSystem, depth int, name string, info os.FileInfo, walkFn filepath.WalkFunc) error {
	// This implementation is based on Walk's code in the standard path/filepath package.
	if err := ctx.Err(); err != nil {
		// A depth-infinity PROPFIND/DELETE/COPY can walk an arbitrarily
		// large subtree; honoring a client disconnect or request timeout
		// here (rather than only at the next blocking I/O call) stops the
		// walk before wasting work an already-gone caller can't see, same
		// as every other ctx-carrying call in this package.
		return err
	}
	err := walkFn(name, info, nil)
	if err != nil {
		if info.IsDir() && err == filepath.SkipDir {
			return nil
		}
		return err
	}
	if !info.IsDir() || depth == 0 {
		return nil
	}
	if depth == 1 {
		depth = 0
	}

	f, err := fs.OpenFile(ctx, name, os.O_RDONLY, 0)
	if err != nil {
		return walkFn(name, info, err)
	}
	fileInfos, err := f.Readdir(0)
	f.Close()
	if err != nil {
		return walkFn(name, info, err)
	}

	for _, fileInfo := range fileInfos {
		filename := path.Join(name, fileInfo.Name())
		fileInfo, err := fs.Stat(ctx, filename)
		if err != nil {
			if err := walkFn(filename, fileInfo, err); err != nil && err != filepath.SkipDir {
				return err
			}
		} else {
			err = WalkFS(ctx, fs, depth, filename, fileInfo, walkFn)
			if err != nil {
				if !fileInfo.IsDir() || err != filepath.SkipDir {
					return err
				}
			}
		}
	}
	return nil
}

// MemberError is one entry of a failed member of a COPY, MOVE or DELETE that
// touched more than one resource. It lets the dispatcher (component G)
// render a 207 Multi-Status body that reports the subtree members that
// failed without losing the ones that succeeded, per RFC 4918 §9.6.1,
// §9.8.5 and §9.9.4.
type MemberError struct {
	Path   string
	Status int
	Err    error
}

// MultiError collects the MemberErrors produced while a depth-infinity
// operation walks a collection. A nil *MultiError (as opposed to a non-nil
// one with an empty Members slice) means every member succeeded.
type MultiError struct {
	Members []MemberError
}

func (m *MultiError) Error() string {
	if len(m.Members) == 1 {
		return m.Members[0].Err.Error()
	}
	return "webdav: multiple members failed"
}

func (m *MultiError) add(p string, status int, err error) {
	m.Members = append(m.Members, MemberError{Path: p, Status: status, Err: err})
}

// CopyFiles copies files and/or directories from src to dst.
//
// See RFC 4918 §9.8.5 for when various HTTP status codes apply. When src is
// a collection copied with InfiniteDepth, a failure on one member does not
// abort the walk: the failure is recorded in the returned *MultiError and
// copying continues with the member's siblings, so the caller can render a
// single response for the root alongside a 207 for the failed members.
func CopyFiles(ctx context.Context, fs FileSystem, src, dst string, overwrite bool, depth int, recursion int) (status int, merr *MultiError, err error) {
	if recursion == 1000 {
		return http.StatusInternalServerError, nil, ErrRecursionTooDeep
	}
	recursion++

	srcFile, err := fs.OpenFile(ctx, src, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return http.StatusNotFound, nil, err
		}
		return http.StatusInternalServerError, nil, err
	}
	defer srcFile.Close()
	srcStat, err := srcFile.Stat()
	if err != nil {
		if os.IsNotExist(err) {
			return http.StatusNotFound, nil, err
		}
		return http.StatusInternalServerError, nil, err
	}
	srcPerm := srcStat.Mode() & os.ModePerm

	created := false
	if _, err := fs.Stat(ctx, dst); err != nil {
		if os.IsNotExist(err) {
			created = true
		} else {
			return http.StatusForbidden, nil, err
		}
	} else {
		if !overwrite {
			return http.StatusPreconditionFailed, nil, os.ErrExist
		}
		if err := fs.RemoveAll(ctx, dst); err != nil && !os.IsNotExist(err) {
			return http.StatusForbidden, nil, err
		}
	}

	if srcStat.IsDir() {
		if err := fs.Mkdir(ctx, dst, srcPerm); err != nil {
			return http.StatusForbidden, nil, err
		}
		if depth == InfiniteDepth {
			children, err := srcFile.Readdir(-1)
			if err != nil {
				return http.StatusForbidden, nil, err
			}
			for _, c := range children {
				name := c.Name()
				s := path.Join(src, name)
				d := path.Join(dst, name)
				cStatus, cMerr, cErr := CopyFiles(ctx, fs, s, d, overwrite, depth, recursion)
				if cErr != nil {
					if merr == nil {
						merr = &MultiError{}
					}
					merr.add(s, cStatus, cErr)
					continue
				}
				if cMerr != nil {
					if merr == nil {
						merr = &MultiError{}
					}
					merr.Members = append(merr.Members, cMerr.Members...)
				}
			}
		}

	} else {
		dstFile, err := fs.OpenFile(ctx, dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, srcPerm)
		if err != nil {
			if os.IsNotExist(err) {
				return http.StatusConflict, nil, err
			}
			return http.StatusForbidden, nil, err
		}
		_, copyErr := io.Copy(dstFile, srcFile)
		propsErr := CopyProps(dstFile, srcFile)
		closeErr := dstFile.Close()
		if copyErr != nil {
			return http.StatusInternalServerError, nil, copyErr
		}
		if propsErr != nil {
			return http.StatusInternalServerError, nil, propsErr
		}
		if closeErr != nil {
			return http.StatusInternalServerError, nil, closeErr
		}
	}

	if merr != nil {
		return http.StatusMultiStatus, merr, nil
	}
	if created {
		return http.StatusCreated, nil, nil
	}
	return http.StatusNoContent, nil, nil
}

// CopyProps copies every dead property from src to dst, used by CopyFiles so
// that a COPY preserves client-set metadata the same way PyFileServer's
// property provider does when it duplicates a shelve entry under the
// destination's key.
func CopyProps(dst, src File) error {
	d, ok := dst.(DeadPropsHolder)
	if !ok {
		return nil
	}
	s, ok := src.(DeadPropsHolder)
	if !ok {
		return nil
	}
	m, err := s.DeadProps()
	if err != nil {
		return err
	}
	props := make([]Property, 0, len(m))
	for _, prop := range m {
		props = append(props, prop)
	}
	_, err = d.Patch([]Proppatch{{Props: props}})
	return err
}

// MoveFiles moves files and/or directories from src to dst.
//
// See RFC 4918 §9.9.4 for when various HTTP status codes apply. MoveFiles
// does not descend into collections itself: FileSystem.Rename is expected to
// move an entire subtree atomically (the local fsresource driver backs this
// with os.Rename), so there is no per-member walk or MultiError here, unlike
// CopyFiles.
func MoveFiles(ctx context.Context, fs FileSystem, src, dst string, overwrite bool) (status int, err error) {
	created := false
	if _, err := fs.Stat(ctx, dst); err != nil {
		if !os.IsNotExist(err) {
			return http.StatusForbidden, err
		}
		created = true
	} else if overwrite {
		// RFC 4918 §9.9.3: "If a resource exists at the destination and the
		// Overwrite header is 'T', then prior to performing the move, the
		// server must perform a DELETE with 'Depth: infinity' on the
		// destination resource."
		if err := fs.RemoveAll(ctx, dst); err != nil {
			return http.StatusForbidden, err
		}
	} else {
		return http.StatusPreconditionFailed, os.ErrExist
	}
	if err := fs.Rename(ctx, src, dst); err != nil {
		return http.StatusForbidden, err
	}
	if created {
		return http.StatusCreated, nil
	}
	return http.StatusNoContent, nil
}
