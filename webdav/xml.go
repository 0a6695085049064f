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
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// The "DAV:" namespace is used pervasively enough in this file that it gets
// a shorthand; every other namespace travels on the wire as a plain
// xmlns-qualified element name, matching what net/http clients expect.
const davNS = "DAV:"

type xmlProp struct {
	XMLName xml.Name `xml:"DAV: prop"`
	Raw     []Property
}

func (p xmlProp) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Space: davNS, Local: "prop"}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, pr := range p.Raw {
		inner := struct {
			XMLName  xml.Name
			Lang     string `xml:"xml:lang,attr,omitempty"`
			InnerXML []byte `xml:",innerxml"`
		}{pr.XMLName, pr.Lang, pr.InnerXML}
		if err := e.Encode(inner); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

type xmlPropstat struct {
	XMLName             xml.Name `xml:"DAV: propstat"`
	Prop                xmlProp  `xml:"prop"`
	Status              string   `xml:"status"`
	Error               *xmlError `xml:"error"`
	ResponseDescription string   `xml:"responsedescription,omitempty"`
}

type xmlError struct {
	InnerXML []byte `xml:",innerxml"`
}

type xmlResponse struct {
	XMLName             xml.Name      `xml:"DAV: response"`
	Href                []string      `xml:"href"`
	Propstat            []xmlPropstat `xml:"propstat,omitempty"`
	Status              string        `xml:"status,omitempty"`
	Error               *xmlError     `xml:"error"`
	ResponseDescription string        `xml:"responsedescription,omitempty"`
}

type xmlMultistatus struct {
	XMLName             xml.Name      `xml:"DAV: multistatus"`
	Responses           []xmlResponse `xml:"response"`
	ResponseDescription string        `xml:"responsedescription,omitempty"`
}

// MultiStatusWriter accumulates per-href responses for a PROPFIND, or for a
// COPY/MOVE/DELETE/LOCK whose depth walk touched more than one resource,
// and serializes them as a single RFC 4918 §13 multistatus document.
type MultiStatusWriter struct {
	ms xmlMultistatus
}

// NewMultiStatusWriter returns an empty MultiStatusWriter.
func NewMultiStatusWriter() *MultiStatusWriter {
	return &MultiStatusWriter{}
}

// AddPropstat appends a PROPFIND/PROPPATCH-shaped response: one href with
// one or more propstat blocks, coalesced by the caller so that every
// property sharing a status lands in the same propstat element.
func (m *MultiStatusWriter) AddPropstat(href string, propstats []Propstat) {
	r := xmlResponse{Href: []string{href}}
	for _, ps := range propstats {
		xp := xmlPropstat{
			Prop:   xmlProp{Raw: ps.Props},
			Status: fmt.Sprintf("HTTP/1.1 %d %s", ps.Status, http.StatusText(ps.Status)),
		}
		if ps.XMLError != "" {
			xp.Error = &xmlError{InnerXML: []byte(ps.XMLError)}
		}
		xp.ResponseDescription = ps.ResponseDescription
		r.Propstat = append(r.Propstat, xp)
	}
	m.ms.Responses = append(m.ms.Responses, r)
}

// AddStatus appends a plain href/status response, used by COPY, MOVE and
// DELETE to report the outcome for one member of a depth walk.
func (m *MultiStatusWriter) AddStatus(href string, status int) {
	m.ms.Responses = append(m.ms.Responses, xmlResponse{
		Href:   []string{href},
		Status: fmt.Sprintf("HTTP/1.1 %d %s", status, http.StatusText(status)),
	})
}

// Empty reports whether no response has been added yet.
func (m *MultiStatusWriter) Empty() bool {
	return len(m.ms.Responses) == 0
}

// WriteTo serializes the accumulated responses as a 207 Multi-Status body.
func (m *MultiStatusWriter) WriteTo(w http.ResponseWriter) (int, error) {
	b, err := xml.Marshal(m.ms)
	if err != nil {
		return 0, err
	}
	b = append([]byte(xml.Header), b...)
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(StatusMulti)
	return w.Write(b)
}

// PropfindRequest is the decoded body of a PROPFIND request.
type PropfindRequest struct {
	AllProp  bool
	PropName bool
	// Props lists specific property names requested; only meaningful when
	// neither AllProp nor PropName is set.
	Props []xml.Name
}

type xmlPropfind struct {
	XMLName  xml.Name  `xml:"DAV: propfind"`
	AllProp  *struct{} `xml:"allprop"`
	PropName *struct{} `xml:"propname"`
	Prop     struct {
		Names []xml.Name `xml:",any"`
	} `xml:"prop"`
}

// ReadPropfind parses a PROPFIND request body. An empty body (or a missing
// Content-Length) is treated as an implicit "allprop" request per RFC 4918
// §9.1.
func ReadPropfind(r io.Reader) (PropfindRequest, error) {
	var pf xmlPropfind
	d := xml.NewDecoder(r)
	err := d.Decode(&pf)
	if err == io.EOF {
		return PropfindRequest{AllProp: true}, nil
	}
	if err != nil {
		return PropfindRequest{}, err
	}
	req := PropfindRequest{
		AllProp:  pf.AllProp != nil,
		PropName: pf.PropName != nil,
		Props:    pf.Prop.Names,
	}
	if req.AllProp && req.PropName {
		return PropfindRequest{}, ErrInvalidPropfind
	}
	if !req.AllProp && !req.PropName && len(req.Props) == 0 {
		return PropfindRequest{}, ErrInvalidPropfind
	}
	return req, nil
}

type xmlPropertyupdate struct {
	XMLName xml.Name `xml:"DAV: propertyupdate"`
	SetRemove []struct {
		XMLName xml.Name
		Prop    struct {
			Raw []Property `xml:",any"`
		} `xml:"prop"`
	} `xml:",any"`
}

// ReadProppatch parses a PROPPATCH request body into a slice of Proppatch
// instructions, preserving the order set/remove blocks appeared in, since
// RFC 4918 §9.2 requires them to be applied in document order.
func ReadProppatch(r io.Reader) ([]Proppatch, error) {
	d := xml.NewDecoder(r)
	var pu xmlPropertyupdate
	if err := d.Decode(&pu); err != nil {
		return nil, err
	}
	var out []Proppatch
	for _, sr := range pu.SetRemove {
		switch sr.XMLName.Local {
		case "set":
			out = append(out, Proppatch{Remove: false, Props: sr.Prop.Raw})
		case "remove":
			out = append(out, Proppatch{Remove: true, Props: sr.Prop.Raw})
		}
	}
	if len(out) == 0 {
		return nil, ErrInvalidProppatch
	}
	return out, nil
}

// LockInfoRequest is the decoded body of a LOCK request that creates a new
// lock, as opposed to a bodyless refresh.
type LockInfoRequest struct {
	Exclusive bool
	OwnerXML  string
}

type xmlLockinfo struct {
	XMLName   xml.Name  `xml:"DAV: lockinfo"`
	Exclusive *struct{} `xml:"lockscope>exclusive"`
	Shared    *struct{} `xml:"lockscope>shared"`
	Write     *struct{} `xml:"locktype>write"`
	Owner     struct {
		InnerXML []byte `xml:",innerxml"`
	} `xml:"owner"`
}

// ReadLockInfo parses a LOCK request body. io.EOF (an empty body) is
// returned verbatim so the caller can tell a refresh request (no body) from
// a malformed one.
func ReadLockInfo(r io.Reader) (LockInfoRequest, error) {
	var li xmlLockinfo
	d := xml.NewDecoder(r)
	if err := d.Decode(&li); err != nil {
		return LockInfoRequest{}, err
	}
	if li.Write == nil {
		return LockInfoRequest{}, ErrUnsupportedLockInfo
	}
	if li.Exclusive == nil && li.Shared == nil {
		return LockInfoRequest{}, ErrInvalidLockInfo
	}
	if li.Exclusive != nil && li.Shared != nil {
		return LockInfoRequest{}, ErrInvalidLockInfo
	}
	return LockInfoRequest{
		Exclusive: li.Exclusive != nil,
		OwnerXML:  string(li.Owner.InnerXML),
	}, nil
}

// LockDiscovery renders the lockdiscovery property body for the given set of
// active locks, per RFC 4918 §15.8.
func LockDiscovery(now time.Time, details []LockDetails, tokens []string) string {
	return `<D:lockdiscovery xmlns:D="DAV:">` + activeLocksXML(details, tokens) + `</D:lockdiscovery>`
}

// activeLocksXML renders the <D:activelock> elements alone, without the
// surrounding <D:lockdiscovery> wrapper, so callers that need to embed the
// fragment as the value of a live "lockdiscovery" property (itself wrapped
// by xmlProp's own marshaling) don't end up with the element nested twice.
func activeLocksXML(details []LockDetails, tokens []string) string {
	var b strings.Builder
	for i, d := range details {
		depth := "0"
		if !d.ZeroDepth {
			depth = "infinity"
		}
		timeout := "Infinite"
		if d.Duration >= 0 {
			timeout = fmt.Sprintf("Second-%d", int(d.Duration/time.Second))
		}
		scope := "<D:exclusive/>"
		if d.Scope == LockScopeShared {
			scope = "<D:shared/>"
		}
		token := ""
		if i < len(tokens) {
			token = tokens[i]
		}
		fmt.Fprintf(&b, "<D:activelock>"+
			"<D:locktype><D:write/></D:locktype>"+
			"<D:lockscope>%s</D:lockscope>"+
			"<D:depth>%s</D:depth>"+
			"<D:owner>%s</D:owner>"+
			"<D:timeout>%s</D:timeout>"+
			"<D:locktoken><D:href>%s</D:href></D:locktoken>"+
			"<D:lockroot><D:href>%s</D:href></D:lockroot>"+
			"</D:activelock>", scope, depth, d.OwnerXML, timeout, token, escapeHref(d.Root))
	}
	return b.String()
}

func escapeHref(p string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(p)); err != nil {
		return p
	}
	return b.String()
}
