package ui

import (
	"dman/internal/download"
	"dman/internal/icon"
)

const maxNameRunes = 60

// View is the display form of a download sent to UI surfaces.
type View struct {
	ID       int64          `json:"id"`
	State    download.State `json:"state"`
	Filename string         `json:"filename"`
	Name     string         `json:"name"` // filename shortened for tables
	Dir      string         `json:"dir"`
	URL      string         `json:"url"`
	Size     string         `json:"size"`
	Percent  float64        `json:"percent"`
	Written  string         `json:"written,omitempty"`
	Speed    string         `json:"speed,omitempty"`
	ETA      string         `json:"eta,omitempty"`
	Conns    int            `json:"conns,omitempty"`
	Date     string         `json:"date"`
	Icon     string         `json:"icon,omitempty"` // data URL
	Error    string         `json:"error,omitempty"`
}

// IconLookup resolves an icon ref to a data URL.
type IconLookup func(ref icon.Ref) (string, bool)

// NewView formats d for display. icons may be nil.
func NewView(d download.Download, icons IconLookup) View {
	v := View{
		ID:       d.ID,
		State:    d.State,
		Filename: d.Filename,
		Name:     TruncateWithEllipsis(d.Filename, maxNameRunes),
		Dir:      d.Dir,
		URL:      d.URL,
		Size:     FormatSize(d.Size),
		Date:     FormatDate(d.CreatedAt),
		Error:    d.Error,
	}
	if d.State == download.StateCompleted {
		v.Percent = 100
	}
	if p := d.Progress; p != nil {
		v.Percent = p.Percent
		v.Written = FormatSize(p.Written)
		v.Speed = FormatSpeed(p.Speed)
		v.ETA = FormatETA(p.ETA)
		v.Conns = p.Conns
	}
	if d.Icon != "" && icons != nil {
		if u, ok := icons(d.Icon); ok {
			v.Icon = u
		}
	}
	return v
}

// NewViews formats a list in order.
func NewViews(ds []download.Download, icons IconLookup) []View {
	out := make([]View, 0, len(ds))
	for _, d := range ds {
		out = append(out, NewView(d, icons))
	}
	return out
}
