package media

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/javanstorm/winvm/internal/config"
	"github.com/javanstorm/winvm/internal/locale"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

// AnswerFileName is the name Windows setup looks for on attached media.
const AnswerFileName = "autounattend.xml"

//go:embed assets/autounattend.xml
var answerTemplate string

// Credentials are the guest account written into the answer file.
type Credentials struct {
	Account string
	Secret  string
}

const localeIndent = "      "

func localeBlock(l locale.Language) string {
	return fmt.Sprintf("%[1]s<InputLocale>%[2]s</InputLocale>\n"+
		"%[1]s<SystemLocale>%[3]s</SystemLocale>\n"+
		"%[1]s<UILanguage>%[3]s</UILanguage>\n"+
		"%[1]s<UserLocale>%[3]s</UserLocale>\n",
		localeIndent, l.InputLocale, l.UILanguage)
}

func setupLanguage(l locale.Language) string {
	return "<SetupUILanguage>\n" + localeIndent + "  <UILanguage>" + l.UILanguage + "</UILanguage>"
}

// RenderAnswerFile returns the answer file for lang, arch and creds. An
// unsupported language keeps the template's default locale; ok reports
// whether lang was recognised. An empty arch keeps the template's amd64
// components.
//
// Account and secret are substituted literally for the template's default
// values. A chosen account equal to the default secret, or the reverse,
// is substituted twice.
func RenderAnswerFile(lang locale.Tag, arch hypervisor.Arch, creds Credentials) (doc string, ok bool) {
	doc = answerTemplate

	if arch != "" && arch != hypervisor.ArchAMD64 {
		doc = strings.ReplaceAll(doc, componentArch(hypervisor.ArchAMD64), componentArch(arch))
	}

	l, ok := locale.Lookup(lang)
	def := locale.Default()
	if l.Tag != def.Tag {
		doc = strings.ReplaceAll(doc, localeBlock(def), localeBlock(l))
		doc = strings.ReplaceAll(doc, setupLanguage(def), setupLanguage(l))
	}

	if creds.Account != "" {
		doc = strings.ReplaceAll(doc, config.DefaultAccount, xmlText(creds.Account))
	}
	if creds.Secret != "" {
		doc = strings.ReplaceAll(doc, config.DefaultSecret, xmlText(creds.Secret))
	}
	return doc, ok
}

func componentArch(arch hypervisor.Arch) string {
	return `processorArchitecture="` + string(arch) + `"`
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func xmlText(s string) string {
	return xmlEscaper.Replace(s)
}
