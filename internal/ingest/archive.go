package ingest

import (
	"archive/zip"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/coregx/ahocorasick"
	"golang.org/x/sync/errgroup"
)

var candidatePathTokens = []string{"message", "sms", "imessage", "whatsapp", "chat", "conversation"}
var encryptedTokens = []string{"encrypt", "cipher", "protected"}

// candidatePathAC and encryptedAC scan zip entry names for their
// respective token sets in a single pass, built once since the token
// sets are fixed for the lifetime of the process.
var candidatePathAC = mustBuildAC(candidatePathTokens)
var encryptedAC = mustBuildAC(encryptedTokens)

func mustBuildAC(patterns []string) *ahocorasick.Automaton {
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		panic(err)
	}
	return ac
}

// parseArchive implements the "Archive parser" from spec §4.5: treats
// a .ufdr file as a ZIP and extracts JSON/XML entries whose path hints
// at message content.
func parseArchive(path string, progress ProgressFunc) ([]ParsedMessage, string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var candidates []*zip.File
	for _, f := range zr.File {
		lower := strings.ToLower(f.Name)
		if len(candidatePathAC.FindAllOverlapping([]byte(lower))) == 0 {
			continue
		}
		if strings.HasSuffix(lower, ".json") || strings.HasSuffix(lower, ".xml") {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, "UFDR message parsing not supported in this build. Generate a Cellebrite XLSX message export and import that.", nil
	}

	// Each candidate entry decompresses and parses independently, so
	// fan the work out across a bounded pool of goroutines rather than
	// walking the archive serially entry by entry.
	perEntry := make([][]ParsedMessage, len(candidates))
	var scanned int64
	group := new(errgroup.Group)
	group.SetLimit(runtime.GOMAXPROCS(0))
	for i, f := range candidates {
		i, f := i, f
		group.Go(func() error {
			lower := strings.ToLower(f.Name)
			rc, err := f.Open()
			if err != nil {
				return nil
			}
			defer rc.Close()
			if strings.HasSuffix(lower, ".json") {
				perEntry[i] = parseJSONEntry(rc, f.Name)
			} else {
				perEntry[i] = parseXMLEntry(rc, f.Name)
			}
			n := atomic.AddInt64(&scanned, 1)
			progress(0.03+float64(n)/float64(len(candidates))*0.67, fmt.Sprintf("Scanning %s…", f.Name))
			return nil
		})
	}
	_ = group.Wait()

	var messages []ParsedMessage
	for _, extracted := range perEntry {
		messages = append(messages, extracted...)
	}

	if len(messages) == 0 {
		for _, f := range candidates {
			if len(encryptedAC.FindAllOverlapping([]byte(strings.ToLower(f.Name)))) > 0 {
				return nil, "This evidence archive appears to contain encrypted message data that cannot be parsed in this build.", nil
			}
		}
		return nil, "No message parser is available for this evidence type.", nil
	}

	return messages, "", nil
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// jsonFieldSynonyms adds to headerSynonyms the thread-id spellings
// (threadId, conversationId, chatId) the archive walker needs.
var jsonFieldSynonyms = map[string]string{
	"threadid": "threadkey", "conversationid": "threadkey", "chatid": "threadkey",
}

func jsonLogicalField(key string) string {
	canon := canonicalHeaderKey(key)
	if logical := headerSynonyms[canon]; logical != "" {
		return logical
	}
	return jsonFieldSynonyms[canon]
}

func parseJSONEntry(r io.Reader, entryName string) []ParsedMessage {
	var root interface{}
	if err := json.NewDecoder(r).Decode(&root); err != nil {
		return nil
	}
	var messages []ParsedMessage
	counter := 0
	walkJSON(root, entryName, &counter, &messages)
	return messages
}

func walkJSON(node interface{}, entryName string, counter *int, out *[]ParsedMessage) {
	switch v := node.(type) {
	case map[string]interface{}:
		fields := map[string]string{}
		for k, raw := range v {
			logical := jsonLogicalField(k)
			if logical == "" {
				continue
			}
			if s, ok := raw.(string); ok {
				if _, exists := fields[logical]; !exists {
					fields[logical] = s
				}
			}
		}
		if fields["body"] != "" || fields["sender"] != "" || fields["recipients"] != "" {
			*counter++
			platform := NormalizePlatform(fields["platform"])
			sender := fields["sender"]
			recipients := fields["recipients"]
			threadKey := fields["threadkey"]
			if threadKey == "" {
				threadKey = DeriveThreadKey(platform, sender, recipients)
			}
			var threadTitle *string
			if tt := fields["threadtitle"]; tt != "" {
				threadTitle = &tt
			}
			ts, _ := ParseMessageTimestamp(fields["timestamp"])
			*out = append(*out, ParsedMessage{
				Platform:      platform,
				ThreadKey:     threadKey,
				ThreadTitle:   threadTitle,
				TimestampUTC:  ts,
				Direction:     NormalizeDirection(fields["direction"]),
				Sender:        sender,
				Recipients:    recipients,
				Body:          fields["body"],
				IsDeleted:     IsTruthyDeleted(fields["deleted"]),
				SourceLocator: fmt.Sprintf("ufdr:%s#artifact:%d", entryName, *counter),
			})
		}
		for _, child := range v {
			walkJSON(child, entryName, counter, out)
		}
	case []interface{}:
		for _, child := range v {
			walkJSON(child, entryName, counter, out)
		}
	}
}

var messageElementTokens = []string{"message", "chat", "sms"}

func parseXMLEntry(r io.Reader, entryName string) []ParsedMessage {
	decoder := xml.NewDecoder(r)
	var messages []ParsedMessage
	counter := 0

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		localName := strings.ToLower(start.Name.Local)
		if !containsAny(localName, messageElementTokens) {
			continue
		}

		fields := map[string]string{}
		for _, attr := range start.Attr {
			if logical := jsonLogicalField(attr.Name.Local); logical != "" {
				if _, exists := fields[logical]; !exists {
					fields[logical] = attr.Value
				}
			}
		}

		var elem struct {
			XMLName xml.Name
			Inner   []xmlChild `xml:",any"`
		}
		if err := decoder.DecodeElement(&elem, &start); err != nil {
			continue
		}
		for _, child := range elem.Inner {
			if logical := jsonLogicalField(child.XMLName.Local); logical != "" {
				if _, exists := fields[logical]; !exists {
					fields[logical] = strings.TrimSpace(child.Value)
				}
			}
		}

		if fields["body"] == "" && fields["sender"] == "" && fields["recipients"] == "" {
			continue
		}

		counter++
		platform := NormalizePlatform(fields["platform"])
		sender := fields["sender"]
		recipients := fields["recipients"]
		threadKey := fields["threadkey"]
		if threadKey == "" {
			threadKey = DeriveThreadKey(platform, sender, recipients)
		}
		var threadTitle *string
		if tt := fields["threadtitle"]; tt != "" {
			threadTitle = &tt
		}
		ts, _ := ParseMessageTimestamp(fields["timestamp"])
		messages = append(messages, ParsedMessage{
			Platform:      platform,
			ThreadKey:     threadKey,
			ThreadTitle:   threadTitle,
			TimestampUTC:  ts,
			Direction:     NormalizeDirection(fields["direction"]),
			Sender:        sender,
			Recipients:    recipients,
			Body:          fields["body"],
			IsDeleted:     IsTruthyDeleted(fields["deleted"]),
			SourceLocator: fmt.Sprintf("ufdr:%s#xpath:/%s[%d]", entryName, localName, counter),
		})
	}
	return messages
}

type xmlChild struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}
