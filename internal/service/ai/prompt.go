package ai

import (
	"os"
	"strings"
	"time"
)

// SystemPrompt renders the assistant preamble. memoryBlock, when present, is
// appended verbatim.
func SystemPrompt(now time.Time, timeZone, country, memoryBlock string) string {
	parts := []string{
		"You are an AI personal assistant.",
		"Current UTC time: " + now.UTC().Format("2006-01-02T15:04:05.000Z") + ".",
	}
	if timeZone != "" {
		parts = append(parts, "User local timezone: "+timeZone+".")
	}
	var loc []string
	if city := cityHint(timeZone); city != "" {
		loc = append(loc, city)
	}
	if country != "" {
		loc = append(loc, country)
	}
	if len(loc) > 0 {
		parts = append(parts, "User appears to be located around: "+strings.Join(loc, ", ")+".")
	}
	prompt := strings.Join(parts, " ")
	if memoryBlock = strings.TrimSpace(memoryBlock); memoryBlock != "" {
		prompt += "\n\n" + memoryBlock
	}
	return prompt
}

// cityHint turns "America/Sao_Paulo" into "Sao Paulo".
func cityHint(timeZone string) string {
	_, rest, ok := strings.Cut(timeZone, "/")
	if !ok {
		return ""
	}
	city, _, _ := strings.Cut(rest, "/")
	return strings.ReplaceAll(city, "_", " ")
}

// localTimeZone returns the zone named by TZ; time.Local only reports "Local".
func localTimeZone() string {
	return strings.TrimPrefix(os.Getenv("TZ"), ":")
}
