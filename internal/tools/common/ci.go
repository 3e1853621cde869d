package common

import (
	"encoding/json"
	"io"
	"os"
)

type CIResult struct {
	Name    string   `json:"name"`
	OK      bool     `json:"ok"`
	Details []string `json:"details,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// PrintCIResult writes one JSON line to stdout for CI log scrapers.
func PrintCIResult(ok bool, name string, details []string, err error) {
	writeCIResult(os.Stdout, ok, name, details, err)
}

func writeCIResult(w io.Writer, ok bool, name string, details []string, err error) {
	res := CIResult{Name: name, OK: ok, Details: details}
	if err != nil {
		res.Error = err.Error()
	}
	_ = json.NewEncoder(w).Encode(res)
}
