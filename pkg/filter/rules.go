// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package filter

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var DefaultRulesYAML []byte

// RuleTables holds the data half of the DM filter. The precedence between
// the checks is fixed in code; only the tables are configurable.
type RuleTables struct {
	SpamKeywords     []string `yaml:"spam_keywords" json:"spam_keywords"`
	SpamPatterns     []string `yaml:"spam_patterns" json:"spam_patterns"`
	RepeatRun        int      `yaml:"repeat_run" json:"repeat_run"`
	LinkLureMaxWords int      `yaml:"link_lure_max_words" json:"link_lure_max_words"`
	MaxLinks         int      `yaml:"max_links" json:"max_links"`
	EmojiMinCount    int      `yaml:"emoji_min_count" json:"emoji_min_count"`
	EmojiDensity     float64  `yaml:"emoji_density" json:"emoji_density"`
	AuthorizedBots   []string `yaml:"authorized_bots" json:"authorized_bots"`
}

// DefaultRuleTables returns the embedded rule tables.
func DefaultRuleTables() *RuleTables {
	tables, err := ParseRuleTables(DefaultRulesYAML)
	if err != nil {
		panic(fmt.Errorf("embedded rules.yaml is invalid: %w", err))
	}
	return tables
}

// ParseRuleTables decodes YAML rule tables.
func ParseRuleTables(data []byte) (*RuleTables, error) {
	var tables RuleTables
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("failed to parse rule tables: %w", err)
	}
	if _, err := tables.compile(); err != nil {
		return nil, err
	}
	return &tables, nil
}

// LoadRuleTables reads rule tables from a YAML file. An empty path returns
// the embedded defaults.
func LoadRuleTables(path string) (*RuleTables, error) {
	if path == "" {
		return DefaultRuleTables(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule tables: %w", err)
	}
	return ParseRuleTables(data)
}

type compiledRules struct {
	tables   *RuleTables
	keywords []*regexp.Regexp
	patterns []*regexp.Regexp
	bots     []string
}

func (t *RuleTables) compile() (*compiledRules, error) {
	c := &compiledRules{tables: t}
	for _, kw := range t.SpamKeywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw == "" {
			continue
		}
		c.keywords = append(c.keywords, keywordRegexp(kw))
	}
	for _, pattern := range t.SpamPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid spam pattern %q: %w", pattern, err)
		}
		c.patterns = append(c.patterns, re)
	}
	for _, bot := range t.AuthorizedBots {
		if bot = strings.TrimSpace(strings.ToLower(bot)); bot != "" {
			c.bots = append(c.bots, bot)
		}
	}
	return c, nil
}

// keywordRegexp matches kw as a whole word. A word boundary is only added
// on a side whose edge character is a word character, since \b next to a
// symbol would never match at a space.
func keywordRegexp(kw string) *regexp.Regexp {
	expr := regexp.QuoteMeta(kw)
	if first, _ := utf8.DecodeRuneInString(kw); isWordRune(first) {
		expr = `\b` + expr
	}
	if last, _ := utf8.DecodeLastRuneInString(kw); isWordRune(last) {
		expr += `\b`
	}
	return regexp.MustCompile(expr)
}

func isWordRune(r rune) bool {
	return r == '_' || (r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

var (
	linkRe        = regexp.MustCompile(`(?i)\b(?:https?://|www\.|discord\.gg/)\S+`)
	customEmojiRe = regexp.MustCompile(`<a?:\w+:\d+>`)
)

func (c *compiledRules) matchKeyword(lower string) (string, bool) {
	for _, re := range c.keywords {
		if re.MatchString(lower) {
			return re.String(), true
		}
	}
	return "", false
}

func (c *compiledRules) matchPattern(lower string) (string, bool) {
	for _, re := range c.patterns {
		if re.MatchString(lower) {
			return re.String(), true
		}
	}
	if c.tables.RepeatRun > 0 && longestRun(lower) > c.tables.RepeatRun {
		return "repeat_run", true
	}
	return "", false
}

// isLinkLure reports whether the content carries a link with little else,
// or more links than allowed.
func (c *compiledRules) isLinkLure(content string) bool {
	links := linkRe.FindAllStringIndex(content, -1)
	if len(links) == 0 {
		return false
	}
	if c.tables.MaxLinks > 0 && len(links) >= c.tables.MaxLinks {
		return true
	}
	rest := linkRe.ReplaceAllString(content, " ")
	return len(strings.Fields(rest)) <= c.tables.LinkLureMaxWords
}

func (c *compiledRules) isEmojiHeavy(content string) bool {
	if c.tables.EmojiMinCount <= 0 {
		return false
	}
	emoji := len(customEmojiRe.FindAllStringIndex(content, -1))
	stripped := customEmojiRe.ReplaceAllString(content, "")
	total := emoji
	for _, r := range stripped {
		if isSpace(r) || r == '\u200d' || (r >= 0xfe00 && r <= 0xfe0f) {
			continue
		}
		total++
		if isEmojiRune(r) {
			emoji++
		}
	}
	if emoji < c.tables.EmojiMinCount || total == 0 {
		return false
	}
	return float64(emoji)/float64(total) >= c.tables.EmojiDensity
}

// isAuthorizedBot matches the sender id exactly. Name fragments are only
// checked for bot accounts, so a human cannot pass by picking a bot-like
// username.
func (c *compiledRules) isAuthorizedBot(senderID string, isBot bool, names ...string) bool {
	for _, bot := range c.bots {
		if senderID != "" && bot == strings.ToLower(senderID) {
			return true
		}
		if !isBot {
			continue
		}
		for _, name := range names {
			if name != "" && strings.Contains(strings.ToLower(name), bot) {
				return true
			}
		}
	}
	return false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1f300 && r <= 0x1faff:
		return true
	case r >= 0x2600 && r <= 0x27bf:
		return true
	case r >= 0x1f1e6 && r <= 0x1f1ff:
		return true
	}
	return false
}

func longestRun(s string) int {
	longest, run := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}
