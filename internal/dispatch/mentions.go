// Package dispatch routes inbound room messages to bots: mention
// parsing, leader defaulting, and fire-and-forget invocation of
// specialists with result announcements.
package dispatch

import (
	"regexp"
	"strings"

	"github.com/ensembleai/ensemble/pkg/models"
)

var mentionPattern = regexp.MustCompile(`[@#]([A-Za-z0-9_-]+)`)

// aliases map accepted coordinator names onto the canonical leader key.
var aliases = map[string]string{
	"leader":      models.LeaderName,
	"coordinator": models.LeaderName,
	"nanobot":     models.LeaderName,
}

// Mentions are the @bot and #room tokens parsed from a message.
type Mentions struct {
	Bots  []string
	Rooms []string
}

// ParseMentions extracts bot and room mentions. Bot names are
// normalized through the alias map; duplicates are collapsed while
// preserving first-mention order.
func ParseMentions(content string) Mentions {
	var m Mentions
	seenBots := map[string]bool{}
	seenRooms := map[string]bool{}
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(match[1])
		if strings.HasPrefix(match[0], "#") {
			if !seenRooms[name] {
				seenRooms[name] = true
				m.Rooms = append(m.Rooms, name)
			}
			continue
		}
		if canonical, ok := aliases[name]; ok {
			name = canonical
		}
		if !seenBots[name] {
			seenBots[name] = true
			m.Bots = append(m.Bots, name)
		}
	}
	return m
}
