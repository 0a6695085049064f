// Package fsresource implements component A, the resource abstraction,
// against the native filesystem. It is grounded on the teacher's
// webdav/fs/fs.go, stripped of the OPA permission plumbing that file
// conflated with I/O -- that concern now lives in internal/auth, which
// wraps a Driver the same way the teacher's FS.PermissionHandler wrapped
// raw os calls, just as a separate layer instead of an inline check.
package fsresource

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/cwho/pyfileserver/webdav"
)

// Driver implements webdav.FileSystem rooted at a single local directory.
// It is deliberately side-effect-free with respect to authorization: every
// method just does the I/O operation its name promises, on the assumption
// that an internal/auth wrapper has already cleared the caller for it.
type Driver struct {
	Root string
}

var (
	_ webdav.FileSystem = Driver{}
	_ webdav.File       = (*file)(nil)
)

func (d Driver) resolve(name string) (string, error) {
	if filepath.Separator != '/' && strings.IndexRune(name, filepath.Separator) >= 0 ||
		strings.Contains(name, "\x00") {
		return "", os.ErrInvalid
	}
	dir := d.Root
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, filepath.FromSlash(webdav.SlashClean(name))), nil
}

func (d Driver) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	return os.Mkdir(p, perm)
}

func (d Driver) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, flag, perm)
	if err != nil {
		return nil, err
	}
	return &file{f: f}, nil
}

func (d Driver) RemoveAll(ctx context.Context, name string) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	if p == filepath.Clean(d.Root) {
		return os.ErrInvalid
	}
	if err := removeDeadPropsFile(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(p)
}

func (d Driver) Rename(ctx context.Context, oldName, newName string) error {
	oldP, err := d.resolve(oldName)
	if err != nil {
		return err
	}
	newP, err := d.resolve(newName)
	if err != nil {
		return err
	}
	root := filepath.Clean(d.Root)
	if root == oldP || root == newP {
		return os.ErrInvalid
	}
	return os.Rename(oldP, newP)
}

func (d Driver) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// Describe returns the metadata triple spec §4.A's describe(path) promises:
// kind, length, mtime and an ETag computed per the spec's stable-inode
// policy with an md5(path) fallback for filesystems without stable inode
// numbers (implemented via os.SameFile-independent fields, since Go's
// os.FileInfo does not expose inode portably outside the Sys() escape
// hatch).
func (d Driver) Describe(ctx context.Context, name string) (ETag string, info os.FileInfo, err error) {
	info, err = d.Stat(ctx, name)
	if err != nil {
		return "", nil, err
	}
	return webdav.ComputeETag(name, info), info, nil
}

type file struct {
	f *os.File
}

func (f *file) Read(b []byte) (int, error)                 { return f.f.Read(b) }
func (f *file) Write(b []byte) (int, error)                { return f.f.Write(b) }
func (f *file) Seek(offset int64, whence int) (int64, error) { return f.f.Seek(offset, whence) }
func (f *file) Close() error                                { return f.f.Close() }
func (f *file) Stat() (fs.FileInfo, error)                  { return f.f.Stat() }

func (f *file) Readdir(n int) ([]fs.FileInfo, error) {
	return f.f.Readdir(n)
}

// DeadProps and Patch implement webdav.DeadPropsHolder by persisting a
// sidecar JSON file next to the resource, the same naming scheme the
// teacher's fs.go used (NameFor), kept as a fallback for deployments that
// run fsresource without an internal/propstore instance wired in (e.g. a
// read-only export). The normal server wiring in cmd/webdavd instead routes
// dead properties through internal/propstore, which is keyed by display
// path rather than by backing path and so survives a MOVE without needing
// to relocate a sidecar file.
func (f *file) DeadProps() (map[xml.Name]webdav.Property, error) {
	name := f.f.Name()
	if strings.HasPrefix(path.Base(name), ".__") {
		return map[xml.Name]webdav.Property{}, nil
	}
	propsFile := sidecarName(name)
	data, err := os.ReadFile(propsFile)
	if os.IsNotExist(err) {
		return map[xml.Name]webdav.Property{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading dead properties sidecar %s", propsFile)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "decoding dead properties sidecar %s", propsFile)
	}
	out := make(map[xml.Name]webdav.Property, len(raw))
	for k, v := range raw {
		parts := strings.SplitN(k, ";", 2)
		n := xml.Name{Local: parts[0]}
		if len(parts) == 2 {
			n = xml.Name{Space: parts[0], Local: parts[1]}
		}
		out[n] = webdav.Property{XMLName: n, InnerXML: []byte(v)}
	}
	return out, nil
}

func (f *file) Patch(patches []webdav.Proppatch) ([]webdav.Propstat, error) {
	name := f.f.Name()
	propsFile := sidecarName(name)

	current := map[string]string{}
	if data, err := os.ReadFile(propsFile); err == nil {
		json.Unmarshal(data, &current)
	}

	var result webdav.Propstat
	result.Status = 200
	for _, p := range patches {
		for _, prop := range p.Props {
			k := prop.XMLName.Space + ";" + prop.XMLName.Local
			if p.Remove {
				delete(current, k)
			} else {
				current[k] = string(prop.InnerXML)
			}
			result.Props = append(result.Props, prop)
		}
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(propsFile, data, 0o644); err != nil {
		return nil, errors.Wrapf(err, "writing dead properties sidecar %s", propsFile)
	}
	return []webdav.Propstat{result}, nil
}

func sidecarName(name string) string {
	d := path.Dir(name)
	b := path.Base(name)
	if d == "." {
		return fmt.Sprintf(".__%s.deadprops.json", b)
	}
	return fmt.Sprintf("%s/.__%s.deadprops.json", d, b)
}

func removeDeadPropsFile(name string) error {
	return os.Remove(sidecarName(name))
}
