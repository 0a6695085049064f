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
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// condEnv is the environment the If: parser evaluates tagged lists against:
// an ETag lookup and a lock-token membership test, both scoped to a single
// resource URI. The dispatcher supplies an environment backed by the
// property manager and the lock manager.
type condEnv interface {
	// etag looks up the current ETag for a resource by path.
	etag(r string) string
	// locked tests whether the lock identified by token covers path r.
	locked(r, token string) bool
}

// ifCondition is a single state-or-etag test inside a tagged list.
type ifCondition struct {
	Not   bool
	State string
	ETag  string
}

func (c *ifCondition) eval(e condEnv, r string) bool {
	var res bool
	if c.State != "" {
		res = e.locked(r, c.State)
	} else {
		res = trimETagQuotes(e.etag(r)) == c.ETag
	}
	if c.Not {
		res = !res
	}
	return res
}

func (c *ifCondition) String() string {
	prefix := ""
	if c.Not {
		prefix = "Not "
	}
	if c.State != "" {
		return prefix + c.State
	}
	return prefix + "[\"" + c.ETag + "\"]"
}

// ifList is a set of conditions AND'ed together, optionally tagged with the
// resource URI they apply to.
type ifList struct {
	Resource   string
	Conditions []ifCondition
}

func (l *ifList) eval(e condEnv, rdef string) bool {
	if l.Resource != "" {
		rdef = l.Resource
	}
	for i := range l.Conditions {
		if !l.Conditions[i].eval(e, rdef) {
			return false
		}
	}
	return true
}

func (l *ifList) String() string {
	prefix := ""
	if l.Resource != "" {
		prefix += "<" + l.Resource + "> "
	}
	str := make([]string, len(l.Conditions))
	for i, c := range l.Conditions {
		str[i] = c.String()
	}
	return prefix + "(" + strings.Join(str, " ") + ")"
}

// IfHeader represents a complete parsed If: header. Its tagged lists are
// OR'ed together, so the header as a whole forms a disjunctive normal form
// condition, per RFC 4918 §10.4.
type IfHeader struct {
	Lists []*ifList
}

// eval determines the header's truth value in the given environment, using
// rdef as the resource to test for any untagged list.
func (t *IfHeader) eval(e condEnv, rdef string) bool {
	if t == nil || len(t.Lists) == 0 {
		return true
	}
	for _, l := range t.Lists {
		if l.eval(e, rdef) {
			return true
		}
	}
	return false
}

// acceptedToken reports the first token in toks that appears as a
// non-negated state condition in some list applicable to rdef -- either
// explicitly tagged with rdef, or untagged (which spec §4.E treats as
// applying to "*", i.e. to whatever resource is being evaluated). This is
// the lock-token acceptance half of §4.E, kept separate from eval because a
// tag list can legitimately mix ETag terms with token terms and a resource
// may need to satisfy several distinct locks, not just one tag list as a
// whole.
func (t *IfHeader) acceptedToken(rdef string, toks []string) (string, bool) {
	if t == nil {
		return "", false
	}
	live := make(map[string]bool, len(toks))
	for _, tok := range toks {
		live[tok] = true
	}
	for _, l := range t.Lists {
		if l.Resource != "" && l.Resource != rdef {
			continue
		}
		for _, c := range l.Conditions {
			if !c.Not && c.State != "" && live[c.State] {
				return c.State, true
			}
		}
	}
	return "", false
}

// Tokens returns every lock-state token named anywhere in the header,
// regardless of which tagged list it appears in or whether it is negated.
// The dispatcher uses this to find which locks a request is claiming before
// calling LockSystem.Confirm.
func (t *IfHeader) Tokens() []string {
	if t == nil {
		return nil
	}
	var res []string
	for _, l := range t.Lists {
		for _, c := range l.Conditions {
			if c.State != "" {
				res = append(res, c.State)
			}
		}
	}
	return res
}

// rewriteHosts strips scheme and host from every tagged list's resource URI,
// verifying that any that do carry a host match h. RFC 4918 allows a
// Resource-Tag to be a full absolute URI; internally only the path matters
// once it has passed through realm resolution.
func (t *IfHeader) rewriteHosts(h string) error {
	for _, l := range t.Lists {
		if l.Resource == "" {
			continue
		}
		u, err := url.Parse(l.Resource)
		if err != nil {
			return err
		}
		if u.Host != "" && u.Host != h {
			return fmt.Errorf("webdav: If header resource host mismatch")
		}
		l.Resource = u.Path
	}
	return nil
}

// ParseIfHeader parses the value of a WebDAV If: HTTP header.
func ParseIfHeader(s string) (*IfHeader, error) {
	res := &IfHeader{}
	l := newCondLex(s)
	for {
		tok := l.peek()
		if tok == condEOF {
			break
		}
		list, err := parseIfList(l)
		res.Lists = append(res.Lists, list)
		if err != nil {
			return res, fmt.Errorf("webdav: could not parse If list: %v", err)
		}
	}
	return res, nil
}

func parseIfCondition(l *condLex) (ifCondition, error) {
	res := ifCondition{}
	tok := l.peek()
	if tok == condNot {
		res.Not = true
		l.consume()
		tok = l.peek()
	}
	if tok == '[' {
		l.consume()
		et, err := l.consumeUntil(']')
		res.ETag = trimETagQuotes(et)
		if res.ETag == "" {
			return res, fmt.Errorf("empty etag")
		}
		return res, err
	}
	tt, err := l.consumeIf(func(r rune) bool {
		return r != ')' && r != ' '
	})
	if len(tt) >= 2 && tt[0] == '<' {
		tt = tt[1 : len(tt)-1]
	}
	res.State = tt
	if tt == "" {
		return res, fmt.Errorf("empty condition")
	}
	return res, err
}

func parseIfList(l *condLex) (*ifList, error) {
	res := &ifList{}
	tok := l.peek()
	if tok == '<' {
		l.consume()
		rt, err := l.consumeUntil('>')
		res.Resource = rt
		if err != nil || rt == "" {
			return res, fmt.Errorf("could not parse resource: %v", err)
		}
		tok = l.peek()
	}
	if tok != '(' {
		return res, fmt.Errorf("expected ( got %v", tok)
	}
	l.consume()
	tok = l.peek()
	for tok != ')' && tok != condEOF {
		c, err := parseIfCondition(l)
		res.Conditions = append(res.Conditions, c)
		if err != nil {
			return res, fmt.Errorf("could not parse condition: %v", err)
		}
		tok = l.peek()
	}
	if tok != ')' {
		return res, fmt.Errorf("expected ) got %v", tok)
	}
	l.consume()
	return res, nil
}

// Special tokens the lexer can return.
const (
	condEOF = -(iota + 1)
	condNot
)

type condLex struct {
	input []rune
	pos   int
	last  rune
}

func newCondLex(s string) *condLex {
	return &condLex{input: []rune(s), pos: -1}
}

func (l *condLex) p(num int) rune {
	np := l.pos + num
	if np < 0 || np >= len(l.input) {
		return condEOF
	}
	return l.input[np]
}

func (l *condLex) skipWhitespace() {
	for unicode.IsSpace(l.p(1)) {
		l.pos++
	}
}

func (l *condLex) peek() rune {
	l.skipWhitespace()
	p := l.p(1)
	if p == 'N' && l.p(2) == 'o' && l.p(3) == 't' {
		p = condNot
	}
	l.last = p
	return p
}

func (l *condLex) consume() {
	if l.last == condNot {
		l.pos += 3
	} else if l.last != condEOF {
		l.pos++
	}
}

func (l *condLex) tokenText(r rune) string {
	if r == condNot {
		return "Not"
	}
	return string(r)
}

func (l *condLex) consumeIf(acc func(rune) bool) (string, error) {
	res := ""
	for {
		v := l.p(1)
		if v == condEOF {
			return res, io.EOF
		}
		if !acc(v) {
			return res, nil
		}
		l.consume()
		res += l.tokenText(v)
	}
}

func (l *condLex) consumeUntil(stop rune) (string, error) {
	s, err := l.consumeIf(func(r rune) bool {
		return r != stop
	})
	if err != nil {
		return s, err
	}
	l.consume()
	return s, err
}

// checkETag implements the plain HTTP conditional-request family that sits
// alongside the WebDAV If: header: If-Match, If-None-Match,
// If-Modified-Since and If-Unmodified-Since. It reports the HTTP status the
// Handler should short-circuit with, or 0 if the request should proceed.
// exists must be false for a resource that does not (yet) exist, in which
// case If-Match always fails the request (there is nothing to match) and
// the If-None-Match/If-Modified-Since pair is skipped entirely, since a
// "not modified" response about a nonexistent resource makes no sense.
// safeMethod must be true only for GET/HEAD: per RFC 7232 §3.2, a 304 Not
// Modified short-circuit is only defined for safe methods, so an
// If-None-Match/If-Modified-Since match on PUT, DELETE, COPY or MOVE fails
// the request with 412 Precondition Failed instead of 304.
func checkETag(h http.Header, safeMethod, exists bool, etag string, modTime time.Time) int {
	if im := h.Get("If-Match"); im != "" {
		if !exists || !etagMatchesAny(im, etag) {
			return http.StatusPreconditionFailed
		}
	} else if ius := h.Get("If-Unmodified-Since"); ius != "" && exists {
		if t, err := http.ParseTime(ius); err == nil && modTime.After(t) {
			return http.StatusPreconditionFailed
		}
	}

	if !exists {
		return 0
	}

	notModifiedStatus := http.StatusNotModified
	if !safeMethod {
		notModifiedStatus = http.StatusPreconditionFailed
	}

	if inm := h.Get("If-None-Match"); inm != "" {
		if etagMatchesAny(inm, etag) {
			return notModifiedStatus
		}
	} else if ims := h.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !modTime.After(t) {
			return notModifiedStatus
		}
	}
	return 0
}

func etagMatchesAny(header, etag string) bool {
	etag = trimETagQuotes(etag)
	if etag == "" {
		return false
	}
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || trimETagQuotes(strings.TrimPrefix(tag, "W/")) == etag {
			return true
		}
	}
	return false
}

// trimETagQuotes strips one pair of surrounding double quotes, so a quoted
// wire-form ETag and a bare one compare equal.
func trimETagQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// checkIfRange reports whether an If-Range precondition on a partial GET is
// satisfied: a Range request is only honored as a partial response when the
// representation has not changed since the client last saw it.
func checkIfRange(h http.Header, etag string, modTime time.Time) bool {
	ir := h.Get("If-Range")
	if ir == "" {
		return true
	}
	if strings.HasPrefix(ir, `"`) || strings.HasPrefix(ir, "W/") {
		return etagMatchesAny(ir, etag)
	}
	if t, err := http.ParseTime(ir); err == nil {
		return !modTime.After(t)
	}
	return false
}
