// Package config provides compiled-in channel behavior profiles and the
// engine-level worker, scheduler, and retention configuration.
package config

import (
	"fmt"
	"os"
	"strings"
)

// RendererChannelID is the sentinel channel id for render-only workers.
// A process resolved to it accepts events for every channel and skips
// the content-producing stages it does not own.
const RendererChannelID = "renderer"

// ChannelBehavior parameterizes the pipeline for one channel: prompts,
// daily limits, aggregation, validation strictness, and default metadata
// applied at upload time. The set of channels is closed; profiles are
// compiled in and selected once at startup.
type ChannelBehavior struct {
	ChannelID   string
	ChannelName string

	// IsLongForm selects long-form rendering over shorts.
	IsLongForm bool

	// DailyLimit caps jobs admitted per day; the ingestion gate may lower
	// it further through the MAX_GENERATION_LIMIT system setting.
	DailyLimit int

	// UseAsyncFlow routes manual topic requests through the bus instead
	// of the synchronous pipeline runner.
	UseAsyncFlow bool

	// RequiresStrictDateCheck rejects uploads whose source item is older
	// than the current day.
	RequiresStrictDateCheck bool

	// ShouldAggregateNews merges all of a feed poll's candidates into a
	// single digest job instead of one job per item.
	ShouldAggregateNews bool

	// RequiresKoreanTitle fails upload validation for titles without
	// Hangul characters.
	RequiresKoreanTitle bool

	DefaultTags     []string
	DefaultHashtags []string

	bgmCategory    string
	systemPrompt   string
	extraPrompt    string
	skipGeneration bool
}

// ExtraPrompt returns the channel's prompt suffix with the current date
// substituted, so generated scripts reference "today" correctly.
func (b *ChannelBehavior) ExtraPrompt(todayISO string) string {
	return strings.ReplaceAll(b.extraPrompt, "{today}", todayISO)
}

// ScriptSystemPrompt returns the system prompt used for script
// generation. The SCRIPT_PROMPT system setting overrides it at runtime.
func (b *ChannelBehavior) ScriptSystemPrompt() string {
	return b.systemPrompt
}

// BGMCategory returns the background-music category for rendering.
func (b *ChannelBehavior) BGMCategory() string {
	return b.bgmCategory
}

// ShouldSkipGeneration reports whether this process bypasses the
// content-producing stages. True only for the renderer sentinel.
func (b *ChannelBehavior) ShouldSkipGeneration() bool {
	return b.skipGeneration
}

// Accepts reports whether this process should handle events for the
// given channel. The renderer sentinel accepts everything; every other
// worker only handles its own channel.
func (b *ChannelBehavior) Accepts(channelID string) bool {
	return b.skipGeneration || b.ChannelID == channelID
}

var channels = map[string]*ChannelBehavior{
	"global-news-shorts": {
		ChannelID:   "global-news-shorts",
		ChannelName: "Global News Shorts",
		DailyLimit:  8,
		systemPrompt: "You are a broadcast news scriptwriter. Turn the article into a " +
			"45-second vertical video script: a hook line, three factual beats, and a " +
			"closing line. Neutral tone, no speculation, no editorializing.",
		extraPrompt:     "Today is {today}. Mention dates relative to today where it helps clarity.",
		bgmCategory:     "news",
		DefaultTags:     []string{"news", "world news", "breaking news"},
		DefaultHashtags: []string{"#news", "#shorts"},
	},
	"kr-news-shorts": {
		ChannelID:               "kr-news-shorts",
		ChannelName:             "KR News Shorts",
		DailyLimit:              8,
		RequiresStrictDateCheck: true,
		RequiresKoreanTitle:     true,
		systemPrompt: "당신은 한국어 뉴스 쇼츠 작가입니다. 기사를 45초 분량의 세로형 영상 " +
			"대본으로 바꾸세요. 첫 문장은 시선을 끄는 훅, 이어서 핵심 사실 세 가지, " +
			"마지막은 한 줄 요약입니다. 추측과 논평은 금지합니다.",
		extraPrompt:     "오늘 날짜는 {today}입니다. 오늘 보도된 기사만 다루세요.",
		bgmCategory:     "news",
		DefaultTags:     []string{"뉴스", "속보", "한국 뉴스"},
		DefaultHashtags: []string{"#뉴스", "#shorts"},
	},
	"tech-digest": {
		ChannelID:           "tech-digest",
		ChannelName:         "Tech Digest",
		DailyLimit:          4,
		UseAsyncFlow:        true,
		ShouldAggregateNews: true,
		systemPrompt: "You are a technology news curator. Combine the provided items " +
			"into a single 60-second digest script with one segment per story, ordered " +
			"by significance. Plain language, no hype.",
		extraPrompt:     "Today is {today}.",
		bgmCategory:     "upbeat",
		DefaultTags:     []string{"technology", "tech news", "ai"},
		DefaultHashtags: []string{"#tech", "#shorts"},
	},
	"documentary-long": {
		ChannelID:   "documentary-long",
		ChannelName: "Documentary Long",
		IsLongForm:  true,
		DailyLimit:  1,
		systemPrompt: "You are a documentary narrator. Expand the article into an " +
			"8-minute narration with chaptered sections, context, and primary-source " +
			"quotes where available.",
		extraPrompt:     "Today is {today}.",
		bgmCategory:     "ambient",
		DefaultTags:     []string{"documentary", "explained"},
		DefaultHashtags: []string{"#documentary"},
	},
	RendererChannelID: {
		ChannelID:      RendererChannelID,
		ChannelName:    "Renderer",
		skipGeneration: true,
	},
}

// Resolve returns the behavior profile for a channel id, or an error
// for ids outside the closed set.
func Resolve(channelID string) (*ChannelBehavior, error) {
	behavior, ok := channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel id: %q", channelID)
	}
	return behavior, nil
}

// ResolveFromEnv resolves the profile selected by SHORTS_CHANNEL_ID.
func ResolveFromEnv() (*ChannelBehavior, error) {
	channelID := os.Getenv("SHORTS_CHANNEL_ID")
	if channelID == "" {
		return nil, fmt.Errorf("SHORTS_CHANNEL_ID is not set")
	}
	return Resolve(channelID)
}

// ChannelIDs returns every recognized channel id, the renderer sentinel
// excluded.
func ChannelIDs() []string {
	ids := make([]string, 0, len(channels))
	for id := range channels {
		if id == RendererChannelID {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
