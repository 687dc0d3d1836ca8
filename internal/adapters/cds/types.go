package cds

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Scheme is the source URI scheme served by this package:
// cds://<process>?<input>=<v1,v2>&data_format=csv
const Scheme = "cds"

// scalarInputs are sent as plain strings; every other input is a list.
var scalarInputs = map[string]bool{
	"data_format":     true,
	"download_format": true,
	"format":          true,
}

// ProcessRequest asks a catalogue process (e.g. "insitu-observations-surface-land")
// for one retrieval.
type ProcessRequest struct {
	Process string
	Inputs  map[string]any
}

// APIDataset returns the process identifier used in the execution endpoint.
func (r *ProcessRequest) APIDataset() string {
	return r.Process
}

func (r *ProcessRequest) Payload() any {
	return processPayload{Inputs: r.Inputs}
}

// ParseSource turns a cds:// source into a request. Comma-separated values
// become lists.
func ParseSource(src string) (*ProcessRequest, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", src, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("source %s: scheme %q is not %s", src, u.Scheme, Scheme)
	}
	process := strings.Trim(u.Host+u.Path, "/")
	if process == "" || strings.Contains(process, "/") {
		return nil, fmt.Errorf("source %s: want exactly one process name after %s://", src, Scheme)
	}

	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inputs := make(map[string]any, len(keys))
	for _, k := range keys {
		var values []string
		for _, v := range query[k] {
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					values = append(values, part)
				}
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("source %s: input %q has no value", src, k)
		}
		if scalarInputs[k] {
			if len(values) > 1 {
				return nil, fmt.Errorf("source %s: input %q takes a single value", src, k)
			}
			inputs[k] = values[0]
			continue
		}
		inputs[k] = values
	}
	return &ProcessRequest{Process: process, Inputs: inputs}, nil
}

// fileName picks the staged file name for an asset: the base of its URL, or
// the process name with an extension derived from the media type.
func fileName(process string, a value) string {
	if u, err := url.Parse(a.Href); err == nil {
		if base := path.Base(u.Path); strings.Contains(base, ".") {
			return base
		}
	}
	ext := ".bin"
	switch a.Type {
	case "application/zip":
		ext = ".zip"
	case "text/csv":
		ext = ".csv"
	case "application/netcdf", "application/x-netcdf":
		ext = ".nc"
	default:
		if exts, _ := mime.ExtensionsByType(a.Type); len(exts) > 0 {
			ext = exts[0]
		}
	}
	return process + ext
}

// jobState represents the state of a CDS job (internal).
type jobState string

const (
	jobStateAccepted   jobState = "accepted"
	jobStateRunning    jobState = "running"
	jobStateSuccessful jobState = "successful"
	jobStateFailed     jobState = "failed"
	jobStateRejected   jobState = "rejected"
	jobStateDismissed  jobState = "dismissed"
)

// jobResponse is the raw API response for job submission.
type jobResponse struct {
	JobID  string   `json:"jobID"`
	Status jobState `json:"status"`
}

// resultResponse is the raw API response listing a finished job's asset.
type resultResponse struct {
	Asset asset `json:"asset"`
}

type asset struct {
	Value value `json:"value"`
}

type value struct {
	Type string `json:"type"`
	Href string `json:"href"`
}

type processPayload struct {
	Inputs map[string]any `json:"inputs"`
}
