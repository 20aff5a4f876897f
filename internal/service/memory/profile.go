package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"turodesk/internal/models"
)

var keySynonyms = map[string]string{
	"nome":               "name",
	"nombre":             "name",
	"full_name":          "name",
	"nome_completo":      "name",
	"idioma":             "language",
	"lingua":             "language",
	"preferred_language": "language",
	"tema":               "theme",
	"tema_preferido":     "theme",
	"cidade":             "location",
	"city":               "location",
	"localizacao":        "location",
	"local":              "location",
	"profissao":          "occupation",
	"profession":         "occupation",
	"job":                "occupation",
	"trabalho":           "occupation",
	"cargo":              "occupation",
	"idade":              "age",
	"fuso":               "timezone",
	"fuso_horario":       "timezone",
	"time_zone":          "timezone",
	"tz":                 "timezone",
	"aniversario":        "birthday",
	"data_nascimento":    "birthday",
}

var sentenceTemplates = map[string]string{
	"name":       "The user's name is %s.",
	"age":        "The user is %s years old.",
	"location":   "The user lives in %s.",
	"timezone":   "The user's timezone is %s.",
	"language":   "The user prefers to communicate in %s.",
	"occupation": "The user works as %s.",
	"theme":      "The user prefers the %s theme.",
	"birthday":   "The user's birthday is %s.",
}

// words the templates already carry, stripped from values so they are not
// repeated; longest first
var valuePrefixes = map[string][]string{
	"name":       {"named", "called"},
	"age":        {"aged", "age"},
	"location":   {"living in", "lives in", "in"},
	"language":   {"in"},
	"occupation": {"working as", "works as"},
	"birthday":   {"born on", "on"},
}

var valueSuffixes = map[string][]string{
	"age":      {"years old", "year old", "yrs old", "years", "yrs", "y/o"},
	"timezone": {"time zone", "timezone"},
	"theme":    {"theme", "mode"},
}

// summary order for well-known keys; anything else follows alphabetically
var keyOrder = []string{"name", "age", "location", "timezone", "language", "occupation", "theme", "birthday"}

var sentenceSubjects = []string{"the user", "user ", "i ", "i'm ", "my "}

// CanonicalKey normalizes a free-text fact key: accents stripped, lower
// case, runs of other characters collapsed to "_", and known synonyms mapped
// onto one English key.
func CanonicalKey(key string) (string, error) {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), key)
	if err != nil {
		return "", fmt.Errorf("normalize key: %w", err)
	}
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(stripped)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	canonical := b.String()
	if canonical == "" {
		return "", ErrInvalidKey
	}
	if mapped, ok := keySynonyms[canonical]; ok {
		return mapped, nil
	}
	return canonical, nil
}

// RenderSentence turns a fact value into one sentence about the user.
// Content that already reads as a sentence is kept.
func RenderSentence(key, content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return ""
	}
	if looksLikeSentence(content) {
		return terminate(content)
	}
	value := strings.TrimRight(content, ".!?;, ")
	if tmpl, ok := sentenceTemplates[key]; ok {
		return fmt.Sprintf(tmpl, trimAffixes(key, value))
	}
	words := strings.ReplaceAll(key, "_", " ")
	return fmt.Sprintf("The user's %s is %s.", words, value)
}

// trimAffixes drops one leading and one trailing template word from value.
// A value made only of such words is returned unchanged.
func trimAffixes(key, value string) string {
	out := value
	for _, prefix := range valuePrefixes[key] {
		if len(out) > len(prefix)+1 && strings.EqualFold(out[:len(prefix)+1], prefix+" ") {
			out = strings.TrimSpace(out[len(prefix)+1:])
			break
		}
	}
	for _, suffix := range valueSuffixes[key] {
		n := len(out) - len(suffix) - 1
		if n > 0 && strings.EqualFold(out[n:], " "+suffix) {
			out = strings.TrimSpace(out[:n])
			break
		}
	}
	if out == "" {
		return value
	}
	return out
}

func looksLikeSentence(content string) bool {
	lower := strings.ToLower(content)
	for _, prefix := range sentenceSubjects {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	if len(strings.Fields(content)) < 2 {
		return false
	}
	return strings.ContainsAny(content[len(content)-1:], ".!?")
}

func terminate(sentence string) string {
	trimmed := strings.TrimRight(sentence, ".!?;, ")
	last := sentence[len(sentence)-1]
	switch last {
	case '!', '?':
		return trimmed + string(last)
	default:
		return trimmed + "."
	}
}

// renderSummary joins the fact sentences in a stable order.
func renderSummary(keys map[string]string) string {
	if len(keys) == 0 {
		return ""
	}
	known := make(map[string]bool, len(keyOrder))
	parts := make([]string, 0, len(keys))
	for _, k := range keyOrder {
		known[k] = true
		if sentence, ok := keys[k]; ok && sentence != "" {
			parts = append(parts, sentence)
		}
	}
	rest := make([]string, 0, len(keys))
	for k := range keys {
		if !known[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		if sentence := keys[k]; sentence != "" {
			parts = append(parts, sentence)
		}
	}
	return strings.Join(parts, " ")
}

func profileDocID(userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("turodesk/profile/"+userID)).String()
}

func (s *Service) loadProfile(ctx context.Context, userID string) (*models.MemoryDocument, error) {
	doc, err := s.store.Get(ctx, userID, profileDocID(userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return doc, nil
}

// UpdateProfileFromFact merges one fact into the user's profile summary and
// returns the new summary.
func (s *Service) UpdateProfileFromFact(ctx context.Context, userID, key, content string, tags []string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	canonical, err := CanonicalKey(key)
	if err != nil {
		return "", err
	}
	sentence := RenderSentence(canonical, content)
	if sentence == "" {
		return "", ErrEmptyContent
	}

	doc, err := s.loadProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	now := s.now()
	if doc == nil {
		doc = &models.MemoryDocument{
			ID:        profileDocID(userID),
			UserID:    userID,
			CreatedAt: now,
		}
	}
	if doc.Metadata.Keys == nil {
		doc.Metadata.Keys = make(map[string]string)
	}
	doc.Metadata.Keys[canonical] = sentence
	doc.Metadata.Tags = mergeTags(doc.Metadata.Tags, tags)
	if err := s.saveProfile(ctx, doc, now); err != nil {
		return "", err
	}
	return doc.Content, nil
}

// RemoveProfileFact drops one key from the profile. The profile document is
// deleted once it holds no facts. Returns the number of keys removed.
func (s *Service) RemoveProfileFact(ctx context.Context, userID, key string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	canonical, err := CanonicalKey(key)
	if err != nil {
		return 0, err
	}
	doc, err := s.loadProfile(ctx, userID)
	if err != nil || doc == nil {
		return 0, err
	}
	if _, ok := doc.Metadata.Keys[canonical]; !ok {
		return 0, nil
	}
	delete(doc.Metadata.Keys, canonical)
	if len(doc.Metadata.Keys) == 0 {
		if _, err := s.store.Delete(ctx, models.MemoryFilter{UserID: userID, Kind: models.KindProfileSummary}); err != nil {
			return 0, fmt.Errorf("delete profile: %w", err)
		}
		return 1, nil
	}
	if err := s.saveProfile(ctx, doc, s.now()); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Service) saveProfile(ctx context.Context, doc *models.MemoryDocument, now time.Time) error {
	doc.Content = renderSummary(doc.Metadata.Keys)
	embedding, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embed profile: %w", err)
	}
	doc.Embedding = embedding
	doc.UpdatedAt = now
	doc.Metadata.UserID = doc.UserID
	doc.Metadata.ThreadID = "user:" + doc.UserID
	doc.Metadata.Category = models.CategoryUserProfile
	doc.Metadata.Kind = models.KindProfileSummary
	doc.Metadata.Key = ""
	doc.Metadata.ImportanceScore = profileImportance
	doc.Metadata.SourceType = sourceConversation
	doc.Metadata.Timestamp = now.Format(time.RFC3339)
	if err := s.store.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("store profile: %w", err)
	}
	return nil
}

// ProfileSummary returns the rendered profile, or "" when none exists.
func (s *Service) ProfileSummary(ctx context.Context, userID string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	doc, err := s.loadProfile(ctx, userID)
	if err != nil || doc == nil {
		return "", err
	}
	return doc.Content, nil
}

// ProfileKeys returns a copy of the canonical key to sentence map.
func (s *Service) ProfileKeys(ctx context.Context, userID string) (map[string]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	doc, err := s.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string)
	if doc != nil {
		for k, v := range doc.Metadata.Keys {
			keys[k] = v
		}
	}
	return keys, nil
}

func mergeTags(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing)+len(extra))
	out := make([]string, 0, len(existing)+len(extra))
	for _, list := range [][]string{existing, extra} {
		for _, tag := range list {
			tag = strings.TrimSpace(tag)
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}
