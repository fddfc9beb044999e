// Package nzb persists queued download tasks as an XML manifest and
// restores them (spec §4.8). Grounded on the teacher's
// internal/nzb/nzb.go `encoding/xml`-tagged model, extended to the full
// round-trippable shape spec.md §4.8 requires (poster/date/subject/
// path/groups/segments) and given a real writer, which the teacher's
// generation never had. Uses spf13/afero so load/save can be exercised
// against an in-memory filesystem in tests without touching disk.
package nzb

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// Manifest is the root <nzb> element.
type Manifest struct {
	XMLName xml.Name    `xml:"nzb"`
	Files   []fileEntry `xml:"file"`
}

type fileEntry struct {
	Poster   string        `xml:"poster,attr"`
	Date     int64         `xml:"date,attr"`
	Subject  string        `xml:"subject,attr"`
	Path     string        `xml:"path"`
	Groups   []string      `xml:"groups>group"`
	Segments []segmentXML  `xml:"segments>segment"`
}

type segmentXML struct {
	Bytes     int64  `xml:"bytes,attr"`
	Number    int    `xml:"number,attr"`
	MessageID string `xml:",chardata"`
}

// Segment is one fetched-or-to-fetch article part.
type Segment struct {
	Number    int
	Bytes     int64
	MessageID string
}

// FileRecord is one round-trippable download task: an Article download
// with a save path (spec §4.8 — "tasks without a save path are omitted
// on write").
type FileRecord struct {
	Poster   string
	Date     int64
	Subject  string
	SavePath string
	Groups   []string
	Segments []Segment
}

// Save writes records to path as an NZB manifest, 2-space indented.
// Records with an empty SavePath are skipped (not round-trippable).
func Save(fs afero.Fs, path string, records []FileRecord) error {
	m := Manifest{}
	for _, r := range records {
		if r.SavePath == "" {
			continue
		}
		groups := r.Groups
		if len(groups) == 0 {
			groups = []string{""}
		}
		segs := make([]segmentXML, len(r.Segments))
		for i, s := range r.Segments {
			segs[i] = segmentXML{Bytes: s.Bytes, Number: s.Number, MessageID: s.MessageID}
		}
		m.Files = append(m.Files, fileEntry{
			Poster: r.Poster, Date: r.Date, Subject: r.Subject,
			Path: r.SavePath, Groups: groups, Segments: segs,
		})
	}

	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("nzb: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(f)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("nzb: encode %s: %w", path, err)
	}
	return nil
}

// Load reads and parses path. Entries with no segments are skipped
// (spec §4.8: "no segments (the task is skipped on load)"); missing
// poster/date/subject attributes default to their Go zero values
// (empty string, 0, empty string), and an entry with no groups is
// given one group "".
func Load(fs afero.Fs, path string) ([]FileRecord, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nzb: open %s: %w", path, err)
	}
	defer f.Close()

	var m Manifest
	if err := xml.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("nzb: parse %s: %w", path, err)
	}

	records := make([]FileRecord, 0, len(m.Files))
	for _, fe := range m.Files {
		if len(fe.Segments) == 0 {
			continue
		}
		groups := fe.Groups
		if len(groups) == 0 {
			groups = []string{""}
		}
		segs := make([]Segment, len(fe.Segments))
		for i, s := range fe.Segments {
			segs[i] = Segment{Number: s.Number, Bytes: s.Bytes, MessageID: s.MessageID}
		}
		records = append(records, FileRecord{
			Poster: fe.Poster, Date: fe.Date, Subject: fe.Subject,
			SavePath: fe.Path, Groups: groups, Segments: segs,
		})
	}
	return records, nil
}
