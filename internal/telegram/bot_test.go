package telegram

import (
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/PresetStudio/internal/catalog"
	"github.com/digkill/PresetStudio/internal/orchestrator"
	"github.com/digkill/PresetStudio/internal/service"
)

func TestUserIDPrefersSender(t *testing.T) {
	assert.Equal(t, "tg:42", userID(&tgbotapi.User{ID: 42}, 7))
	assert.Equal(t, "tg:7", userID(nil, 7))
}

func TestParseCallback(t *testing.T) {
	kind, args := parseCallback("preset:business_portrait")
	assert.Equal(t, cbPreset, kind)
	assert.Equal(t, []string{"business_portrait"}, args)

	kind, args = parseCallback("retry:abc:2")
	assert.Equal(t, cbRetry, kind)
	assert.Equal(t, []string{"abc", "2"}, args)

	kind, _ = parseCallback("preset:")
	assert.Empty(t, kind)
	kind, _ = parseCallback("garbage")
	assert.Empty(t, kind)
}

func TestKeyboardsCoverCatalog(t *testing.T) {
	cat := catalog.Default()

	presets := presetKeyboard(cat)
	require.Len(t, presets.InlineKeyboard, len(cat.Presets()))
	first := presets.InlineKeyboard[0][0]
	require.NotNil(t, first.CallbackData)
	assert.Equal(t, "preset:"+cat.Presets()[0].ID, *first.CallbackData)

	styles := styleKeyboard(cat)
	buttons := 0
	for _, row := range styles.InlineKeyboard {
		assert.LessOrEqual(t, len(row), 2)
		buttons += len(row)
	}
	assert.Equal(t, len(cat.Styles()), buttons)
}

func TestRetryKeyboardOnlyForRetryableFailures(t *testing.T) {
	result := &orchestrator.BatchResult{
		SessionID: "sess-1",
		Slots: []orchestrator.Slot{
			{Index: 0, Status: orchestrator.SlotSuccess, ImageURL: "https://cdn/0.png"},
			{Index: 1, Status: orchestrator.SlotFailed, Retryable: true, Err: service.ErrGenerationFailed},
			{Index: 2, Status: orchestrator.SlotFailed, Retryable: false, Err: service.ErrSessionExpired},
			{Index: 3, Status: orchestrator.SlotLoading},
		},
	}

	keyboard := retryKeyboard(result)
	require.NotNil(t, keyboard)
	require.Len(t, keyboard.InlineKeyboard, 1)
	assert.Equal(t, "retry:sess-1:1", *keyboard.InlineKeyboard[0][0].CallbackData)

	result.Slots[1].Retryable = false
	assert.Nil(t, retryKeyboard(result))
}

func TestMediaGroupsSplitAtTelegramLimit(t *testing.T) {
	urls := make([]string, 12)
	for i := range urls {
		urls[i] = "https://cdn/img.png"
	}
	groups := mediaGroups(1, urls)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Media, maxMediaGroup)
	assert.Len(t, groups[1].Media, 2)
}

func TestBatchSummary(t *testing.T) {
	slots := func(statuses ...orchestrator.SlotStatus) *orchestrator.BatchResult {
		out := &orchestrator.BatchResult{}
		for i, s := range statuses {
			out.Slots = append(out.Slots, orchestrator.Slot{Index: i, Status: s})
		}
		return out
	}
	assert.Equal(t, "Done! 2 of 2 images are ready.", batchSummary(slots(orchestrator.SlotSuccess, orchestrator.SlotSuccess)))
	assert.Equal(t, "1 of 2 images are ready.", batchSummary(slots(orchestrator.SlotSuccess, orchestrator.SlotFailed)))
	assert.Contains(t, batchSummary(slots(orchestrator.SlotFailed, orchestrator.SlotFailed)), "refunded")
}

func TestNormalizeImageContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")

	ct, err := normalizeImageContentType("image/png; charset=binary", nil)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)

	ct, err = normalizeImageContentType("application/octet-stream", png)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)

	ct, err = normalizeImageContentType("image/jpg", nil)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ct)

	_, err = normalizeImageContentType("text/plain", []byte("hello"))
	assert.True(t, errors.Is(err, errSourceNotImage))
}

func TestStateManagerGenerationFlow(t *testing.T) {
	m := NewStateManager()

	_, ok := m.BeginGeneration(1)
	assert.False(t, ok, "no photo yet")

	m.Set(1, Session{State: StateAwaitingPreset, SourceURL: "https://cdn/src.jpg"})
	_, ok = m.BeginGeneration(1)
	assert.False(t, ok, "no preset yet")

	s := m.Get(1)
	s.PresetID = "business_portrait"
	s.State = StateAwaitingStyle
	m.Set(1, s)

	started, ok := m.BeginGeneration(1)
	require.True(t, ok)
	assert.Equal(t, "business_portrait", started.PresetID)
	assert.Equal(t, StateGenerating, m.Get(1).State)

	_, ok = m.BeginGeneration(1)
	assert.False(t, ok, "second batch while one is running")

	m.Reset(1)
	assert.Equal(t, StateIdle, m.Get(1).State)
}
