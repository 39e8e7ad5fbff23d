package pipeline

import (
	"encoding/json"
	"os"
)

// writeManifest records the run summary next to its scratch data. The file
// is advisory; loaders never read it.
func writeManifest(path string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
