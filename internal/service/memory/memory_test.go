package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"turodesk/internal/models"
	"turodesk/internal/service/memory"
	"turodesk/internal/service/memory/embedder/mock"
	"turodesk/internal/service/memory/store/chromem"
)

const testDims = 32

func newTestService(t *testing.T) (*memory.Service, *chromem.Store) {
	t.Helper()
	store := chromem.New(testDims)
	return memory.NewService(store, mock.New(testDims), 5), store
}

func TestCanonicalKey(t *testing.T) {
	cases := map[string]string{
		"Nome":            "name",
		" Fuso Horário ":  "timezone",
		"Cidade":          "location",
		"Favorite  Color": "favorite_color",
		"profissão":       "occupation",
		"pet-name":        "pet_name",
	}
	for in, want := range cases {
		got, err := memory.CanonicalKey(in)
		if err != nil {
			t.Fatalf("CanonicalKey(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("CanonicalKey(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := memory.CanonicalKey(" !!! "); !errors.Is(err, memory.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestRenderSentence(t *testing.T) {
	cases := []struct {
		key, content, want string
	}{
		{"name", "Arthur", "The user's name is Arthur."},
		{"name", "The user's name is Arthur", "The user's name is Arthur."},
		{"theme", "dark.", "The user prefers the dark theme."},
		{"favorite_color", "blue", "The user's favorite color is blue."},
		{"language", "I prefer   Portuguese!!", "I prefer Portuguese!"},
		{"location", "Lives near the sea.", "Lives near the sea."},
		{"age", "30", "The user is 30 years old."},
		{"age", "30 years old", "The user is 30 years old."},
		{"age", "30 Years", "The user is 30 years old."},
		{"age", "aged 30", "The user is 30 years old."},
		{"location", "in Lisbon", "The user lives in Lisbon."},
		{"location", "lives in Lisbon", "The user lives in Lisbon."},
		{"location", "Indianapolis", "The user lives in Indianapolis."},
		{"language", "in Portuguese", "The user prefers to communicate in Portuguese."},
		{"occupation", "works as a nurse", "The user works as a nurse."},
		{"theme", "dark mode", "The user prefers the dark theme."},
		{"timezone", "Europe/Lisbon timezone", "The user's timezone is Europe/Lisbon."},
		{"theme", "mode", "The user prefers the mode theme."},
	}
	for _, tc := range cases {
		if got := memory.RenderSentence(tc.key, tc.content); got != tc.want {
			t.Fatalf("RenderSentence(%q, %q) = %q, want %q", tc.key, tc.content, got, tc.want)
		}
	}
	if got := memory.RenderSentence("name", "   "); got != "" {
		t.Fatalf("expected empty sentence for blank content, got %q", got)
	}
}

func TestUpdateProfileRejectsBlankContent(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.UpdateProfileFromFact(context.Background(), "u1", "age", " \t ", nil); !errors.Is(err, memory.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestUpdateProfileMergesIntoSingleDocument(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpdateProfileFromFact(ctx, "u1", "nome", "Arthur", []string{"identity"}); err != nil {
		t.Fatalf("update name: %v", err)
	}
	if _, err := svc.UpdateProfileFromFact(ctx, "u1", "idioma", "Portuguese", nil); err != nil {
		t.Fatalf("update language: %v", err)
	}
	if _, err := svc.UpdateProfileFromFact(ctx, "u1", "hobby", "chess", nil); err != nil {
		t.Fatalf("update hobby: %v", err)
	}
	summary, err := svc.UpdateProfileFromFact(ctx, "u1", "Name", "Bob", nil)
	if err != nil {
		t.Fatalf("update name again: %v", err)
	}
	want := "The user's name is Bob. The user prefers to communicate in Portuguese. The user's hobby is chess."
	if summary != want {
		t.Fatalf("summary mismatch:\n got %q\nwant %q", summary, want)
	}

	keys, err := svc.ProfileKeys(ctx, "u1")
	if err != nil {
		t.Fatalf("profile keys: %v", err)
	}
	if len(keys) != 3 || keys["name"] != "The user's name is Bob." {
		t.Fatalf("unexpected keys: %#v", keys)
	}

	profiles, err := store.Find(ctx, models.MemoryFilter{UserID: "u1", Kind: models.KindProfileSummary}, 0)
	if err != nil {
		t.Fatalf("find profiles: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected exactly one profile document, got %d", len(profiles))
	}
	md := profiles[0].Metadata
	if md.Category != models.CategoryUserProfile || md.ImportanceScore != 0.8 {
		t.Fatalf("unexpected profile metadata: %+v", md)
	}
	if len(md.Tags) != 1 || md.Tags[0] != "identity" {
		t.Fatalf("tags not preserved: %v", md.Tags)
	}

	other, err := svc.ProfileSummary(ctx, "u2")
	if err != nil || other != "" {
		t.Fatalf("profiles leaked across users: %q %v", other, err)
	}
}

func TestRemoveProfileFact(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpdateProfileFromFact(ctx, "u1", "name", "Ana", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.UpdateProfileFromFact(ctx, "u1", "city", "Lisbon", nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	removed, err := svc.RemoveProfileFact(ctx, "u1", "cidade")
	if err != nil || removed != 1 {
		t.Fatalf("remove location: removed=%d err=%v", removed, err)
	}
	summary, _ := svc.ProfileSummary(ctx, "u1")
	if summary != "The user's name is Ana." {
		t.Fatalf("unexpected summary after removal: %q", summary)
	}

	removed, err = svc.RemoveProfileFact(ctx, "u1", "age")
	if err != nil || removed != 0 {
		t.Fatalf("removing an unknown key should be a no-op: removed=%d err=%v", removed, err)
	}

	if _, err := svc.RemoveProfileFact(ctx, "u1", "nome"); err != nil {
		t.Fatalf("remove name: %v", err)
	}
	docs, err := store.Find(ctx, models.MemoryFilter{UserID: "u1"}, 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("empty profile should be deleted, found %d documents", len(docs))
	}
}

func TestSearchAndRetrieve(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpdateProfileFromFact(ctx, "u1", "name", "Arthur", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, err := svc.AddMemory(ctx, memory.AddMemoryInput{ThreadID: "s1", UserID: "u1", Content: "Planning a trip to Japan in April"})
	if err != nil {
		t.Fatalf("add memory: %v", err)
	}
	if doc.Metadata.Category != models.CategoryConversation || doc.Metadata.ImportanceScore != 0.5 {
		t.Fatalf("defaults not applied: %+v", doc.Metadata)
	}
	if _, err := svc.AddMemory(ctx, memory.AddMemoryInput{UserID: "u2", Content: "Planning a trip to Japan in April"}); err != nil {
		t.Fatalf("add memory for other user: %v", err)
	}

	results, err := svc.Search(ctx, "u1", "planning a trip to japan in april", 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 || results[0].ID != doc.ID {
		t.Fatalf("expected exact match first, got %+v", results)
	}
	for _, r := range results {
		if r.UserID != "u1" {
			t.Fatalf("search returned another user's memory: %+v", r)
		}
	}

	block, err := svc.Retrieve(ctx, "u1", "Planning a trip to Japan in April")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !strings.HasPrefix(block, "Known facts about the user: The user's name is Arthur.") {
		t.Fatalf("profile missing from retrieve block: %q", block)
	}
	if !strings.Contains(block, "- Planning a trip to Japan in April") {
		t.Fatalf("related memory missing from retrieve block: %q", block)
	}
}

func TestUpsertAndDeleteFacts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpsertUserFact(ctx, "u1", "Profissão", "engineer", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	fact, err := svc.UpsertUserFact(ctx, "u1", "job", "nurse", nil)
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if fact.Content != "The user works as nurse." || fact.Metadata.Key != "occupation" {
		t.Fatalf("unexpected fact document: %+v", fact)
	}
	if len(fact.Metadata.Tags) != 1 || fact.Metadata.Tags[0] != "user_fact" {
		t.Fatalf("default tag missing: %v", fact.Metadata.Tags)
	}
	facts, err := svc.ListUserFacts(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("upsert should replace the previous fact, got %d documents", len(facts))
	}

	if err := svc.RecordExchange(ctx, "u1", "s1", "hi", "hello!"); err != nil {
		t.Fatalf("record short exchange: %v", err)
	}
	if err := svc.RecordExchange(ctx, "u1", "s1", "What is the capital of France?", "Paris."); err != nil {
		t.Fatalf("record exchange: %v", err)
	}
	facts, _ = svc.ListUserFacts(ctx, "u1", 0)
	if len(facts) != 2 {
		t.Fatalf("expected fact plus one exchange, got %d", len(facts))
	}

	removed, err := svc.DeleteByCategory(ctx, "u1", models.CategoryConversation)
	if err != nil || removed != 1 {
		t.Fatalf("delete conversation memories: removed=%d err=%v", removed, err)
	}
	removed, err = svc.DeleteUserFactByKey(ctx, "u1", "occupation")
	if err != nil || removed != 1 {
		t.Fatalf("delete fact: removed=%d err=%v", removed, err)
	}
}

func TestNilServiceIsDisabled(t *testing.T) {
	var svc *memory.Service
	if svc.Enabled() {
		t.Fatalf("nil service must report disabled")
	}
	if _, err := svc.UpdateProfileFromFact(context.Background(), "u1", "name", "x", nil); !errors.Is(err, memory.ErrMemoryDisabled) {
		t.Fatalf("expected ErrMemoryDisabled, got %v", err)
	}
	if _, err := svc.Search(context.Background(), "u1", "x", 5); !errors.Is(err, memory.ErrMemoryDisabled) {
		t.Fatalf("expected ErrMemoryDisabled, got %v", err)
	}
}
