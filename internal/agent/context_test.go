package agent

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentd/internal/chat"
)

func turnMsg(turn string, role chat.Role, text string) chat.Message {
	return chat.Message{Role: role, Turn: turn, Content: []chat.ContentBlock{chat.TextBlock(text)}}
}

func TestBuildContext_FullModeReplaysEverything(t *testing.T) {
	msgs := []chat.Message{
		turnMsg("t1", chat.RoleUser, "a"),
		turnMsg("t1", chat.RoleAssistant, "b"),
		turnMsg("t2", chat.RoleUser, "c"),
	}
	got := BuildContext(msgs, nil, ContextConfig{Mode: ContextFull})
	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3", len(got))
	}
}

func TestBuildContext_SlimKeepsRecentTurns(t *testing.T) {
	var msgs []chat.Message
	var terse []chat.TerseEntry
	for _, turn := range []string{"t1", "t2", "t3", "t4"} {
		msgs = append(msgs,
			turnMsg(turn, chat.RoleUser, "question "+turn),
			turnMsg(turn, chat.RoleAssistant, "answer "+turn),
		)
		terse = append(terse,
			chat.TerseEntry{Turn: turn, Role: chat.RoleUser, Summary: "asked about " + turn},
			chat.TerseEntry{Turn: turn, Role: chat.RoleAssistant, Summary: "answered " + turn},
		)
	}

	got := BuildContext(msgs, terse, ContextConfig{Mode: ContextSlim, RecentTurns: 2})

	// summary message + last two turns (4 messages)
	if len(got) != 5 {
		t.Fatalf("messages = %d, want 5: %+v", len(got), got)
	}
	summary := got[0].Text()
	if !strings.Contains(summary, "asked about t1") || !strings.Contains(summary, "answered t2") {
		t.Errorf("summary missing condensed turns: %q", summary)
	}
	if strings.Contains(summary, "t3") || strings.Contains(summary, "t4") {
		t.Errorf("summary leaked kept turns: %q", summary)
	}
	if got[1].Turn != "t3" || got[len(got)-1].Turn != "t4" {
		t.Errorf("kept turns wrong: first=%s last=%s", got[1].Turn, got[len(got)-1].Turn)
	}
}

func TestBuildContext_SlimWithoutTurnIDsFallsBackToFull(t *testing.T) {
	msgs := []chat.Message{
		{Role: chat.RoleUser, Content: []chat.ContentBlock{chat.TextBlock("old data")}},
		{Role: chat.RoleAssistant, Content: []chat.ContentBlock{chat.TextBlock("old answer")}},
	}
	got := BuildContext(msgs, nil, ContextConfig{Mode: ContextSlim})
	if len(got) != 2 {
		t.Fatalf("messages = %d, want full fallback of 2", len(got))
	}
}

func TestBuildContext_SlimWithoutTurnIDsUsesTerseLog(t *testing.T) {
	msgs := []chat.Message{
		{Role: chat.RoleUser, Content: []chat.ContentBlock{chat.TextBlock("hello")}},
	}
	terse := []chat.TerseEntry{{Turn: "t1", Role: chat.RoleUser, Summary: "greeted"}}
	got := BuildContext(msgs, terse, ContextConfig{Mode: ContextSlim})
	if len(got) != 2 {
		t.Fatalf("messages = %d, want summary + original", len(got))
	}
	if !strings.Contains(got[0].Text(), "greeted") {
		t.Errorf("summary = %q", got[0].Text())
	}
}

func TestBuildContext_EmptyHistory(t *testing.T) {
	if got := BuildContext(nil, nil, ContextConfig{Mode: ContextSlim}); len(got) != 0 {
		t.Fatalf("messages = %d, want 0", len(got))
	}
}

func TestCollapseBrowsable_KeepsOnlyLatestSnapshot(t *testing.T) {
	snap := `{"kind":"browsable","url":"https://example.com","elements":[]}`
	msgs := []chat.Message{
		{Role: chat.RoleUser, Turn: "t1", Content: []chat.ContentBlock{
			chat.ToolResultBlock("c1", snap, false),
		}},
		{Role: chat.RoleUser, Turn: "t2", Content: []chat.ContentBlock{
			chat.ToolResultBlock("c2", "plain output", false),
		}},
		{Role: chat.RoleUser, Turn: "t3", Content: []chat.ContentBlock{
			chat.ToolResultBlock("c3", snap, false),
		}},
	}

	got := collapseBrowsable(msgs)
	if got[0].Content[0].Content != browsablePlaceholder {
		t.Errorf("older snapshot not collapsed: %q", got[0].Content[0].Content)
	}
	if got[1].Content[0].Content != "plain output" {
		t.Errorf("non-browsable result touched: %q", got[1].Content[0].Content)
	}
	if got[2].Content[0].Content != snap {
		t.Errorf("latest snapshot must survive: %q", got[2].Content[0].Content)
	}
	// input untouched
	if msgs[0].Content[0].Content != snap {
		t.Error("collapse mutated the input slice")
	}
}

func TestCollapseBrowsable_SingleSnapshotUntouched(t *testing.T) {
	snap := `{"url":"https://example.com","elements":[{"id":1}]}`
	msgs := []chat.Message{
		{Role: chat.RoleUser, Content: []chat.ContentBlock{chat.ToolResultBlock("c1", snap, false)}},
	}
	got := collapseBrowsable(msgs)
	if got[0].Content[0].Content != snap {
		t.Errorf("single snapshot collapsed: %q", got[0].Content[0].Content)
	}
}

func TestIsBrowsableContent(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{`{"kind":"browsable"}`, true},
		{`  {"url":"x","elements":[]}`, true},
		{`{"url":"x"}`, false},
		{`plain text`, false},
		{`{"kind":"other"}`, false},
		{`not{json`, false},
	}
	for _, c := range cases {
		if got := isBrowsableContent(c.in); got != c.want {
			t.Errorf("isBrowsableContent(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestEstimateTokens_GrowsWithContent(t *testing.T) {
	small := []chat.Message{turnMsg("t1", chat.RoleUser, "hi")}
	large := []chat.Message{turnMsg("t1", chat.RoleUser, strings.Repeat("words and more words ", 50))}
	if EstimateTokens(large) <= EstimateTokens(small) {
		t.Error("larger content must estimate more tokens")
	}
}
