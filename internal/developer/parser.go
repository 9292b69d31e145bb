package developer

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	prLinkRe     = regexp.MustCompile(`https://github\.com/[\w.-]+/[\w.-]+/pull/\d+`)
	commitHashRe = regexp.MustCompile(`\b[0-9a-f]{40}\b`)
)

// streamEvent is the subset of an agent's stream-json event we care about.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Message *struct {
		Content []struct {
			Type  string `json:"type"`
			Text  string `json:"text,omitempty"`
			Name  string `json:"name,omitempty"`
			Input struct {
				Command  string `json:"command,omitempty"`
				FilePath string `json:"file_path,omitempty"`
			} `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

// ParseTranscript extracts the structured result from an agent transcript.
// Lines that parse as stream-json events feed the command/file inventories;
// everything else is scanned as plain text. A PR link anywhere in the
// transcript marks the run successful.
func ParseTranscript(developerName, raw string) *Output {
	out := &Output{
		RawOutput: raw,
		Metadata:  map[string]string{"developer": developerName},
	}

	var resultText string
	seenCommands := make(map[string]bool)
	seenFiles := make(map[string]bool)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}

		switch event.Type {
		case "result":
			resultText = event.Result
			out.Result.Success = !event.IsError
			if event.IsError {
				out.Result.Error = event.Result
			}
		case "assistant":
			if event.Message == nil {
				continue
			}
			for _, content := range event.Message.Content {
				if content.Type != "tool_use" {
					continue
				}
				switch content.Name {
				case "Bash":
					if cmd := content.Input.Command; cmd != "" && !seenCommands[cmd] {
						seenCommands[cmd] = true
						out.ExecutedCommands = append(out.ExecutedCommands, cmd)
					}
				case "Write", "Edit":
					if f := content.Input.FilePath; f != "" && !seenFiles[f] {
						seenFiles[f] = true
						out.ModifiedFiles = append(out.ModifiedFiles, f)
					}
				}
			}
		}
	}

	// Prefer the final result text for link extraction, fall back to the
	// whole transcript (plain-text agents emit no events).
	scan := resultText
	if scan == "" {
		scan = raw
	}
	if link := prLinkRe.FindString(scan); link != "" {
		out.Result.PRLink = link
		out.Result.Success = true
	} else if link := prLinkRe.FindString(raw); link != "" {
		out.Result.PRLink = link
		out.Result.Success = true
	}
	if hash := commitHashRe.FindString(scan); hash != "" {
		out.Result.CommitHash = hash
	}

	return out
}
