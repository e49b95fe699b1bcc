// Package locale lists the installer languages winvm can provision.
package locale

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Tag is a BCP 47 language tag such as en-US.
type Tag string

// Language holds what the vendor download service and the Windows setup
// answer file need for one language.
type Language struct {
	Tag Tag
	// DownloadName is the language name the vendor download service lists.
	DownloadName string
	// InputLocale is the keyboard layout in "langid:layout" form.
	InputLocale string
	// UILanguage is the display language. It is also used as the system
	// and user locale.
	UILanguage string
}

var (
	registry     = make(map[Tag]Language)
	registryLock sync.RWMutex
	defaultTag   Tag = "en-US"
)

// Register adds or replaces a language.
func Register(l Language) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[l.Tag] = l
}

// Get returns the language registered under tag. Tags are matched
// case-insensitively and accept "_" as separator.
func Get(tag Tag) (Language, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	l, ok := registry[canonical(tag)]
	if !ok {
		return Language{}, &ErrUnknownLanguage{Tag: tag}
	}
	return l, nil
}

// Default returns the language used when none is chosen or recognised.
func Default() Language {
	l, err := Get(defaultTag)
	if err != nil {
		panic(err)
	}
	return l
}

// Lookup returns the language for tag, or the default language and false
// when tag is not supported.
func Lookup(tag Tag) (Language, bool) {
	l, err := Get(tag)
	if err != nil {
		return Default(), false
	}
	return l, true
}

// List returns all registered tags, sorted.
func List() []Tag {
	registryLock.RLock()
	defer registryLock.RUnlock()

	tags := make([]Tag, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// IsRegistered reports whether tag is supported.
func IsRegistered(tag Tag) bool {
	_, err := Get(tag)
	return err == nil
}

func canonical(tag Tag) Tag {
	lang, region, found := strings.Cut(strings.ReplaceAll(string(tag), "_", "-"), "-")
	if !found {
		return Tag(strings.ToLower(lang))
	}
	return Tag(strings.ToLower(lang) + "-" + strings.ToUpper(region))
}

// ErrUnknownLanguage is returned when a tag is not registered.
type ErrUnknownLanguage struct {
	Tag Tag
}

func (e *ErrUnknownLanguage) Error() string {
	return fmt.Sprintf("unknown language %q, available: %v", e.Tag, List())
}

func init() {
	for _, l := range []Language{
		{Tag: "en-US", DownloadName: "English (United States)", InputLocale: "0409:00000409", UILanguage: "en-US"},
		{Tag: "en-GB", DownloadName: "English International", InputLocale: "0809:00000809", UILanguage: "en-GB"},
		{Tag: "de-DE", DownloadName: "German", InputLocale: "0407:00000407", UILanguage: "de-DE"},
		{Tag: "fr-FR", DownloadName: "French", InputLocale: "040c:0000040c", UILanguage: "fr-FR"},
		{Tag: "es-ES", DownloadName: "Spanish", InputLocale: "0c0a:0000040a", UILanguage: "es-ES"},
		{Tag: "it-IT", DownloadName: "Italian", InputLocale: "0410:00000410", UILanguage: "it-IT"},
		{Tag: "pt-BR", DownloadName: "Brazilian Portuguese", InputLocale: "0416:00000416", UILanguage: "pt-BR"},
		{Tag: "ja-JP", DownloadName: "Japanese", InputLocale: "0411:00000411", UILanguage: "ja-JP"},
		{Tag: "zh-CN", DownloadName: "Chinese (Simplified)", InputLocale: "0804:00000804", UILanguage: "zh-CN"},
	} {
		Register(l)
	}
}
