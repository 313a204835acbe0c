package engine

import (
	"io/fs"

	"github.com/oktsec/riskgate/rules"
)

// ExtractRulesDir writes the embedded financial rules to a new temp
// directory. The caller removes it.
func ExtractRulesDir() (string, error) {
	return extractEmbeddedRules()
}

// EmbeddedRuleFiles counts the embedded rule files.
func EmbeddedRuleFiles() int {
	n := 0
	_ = fs.WalkDir(rules.FS(), ".", func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && isRuleFile(path) {
			n++
		}
		return nil
	})
	return n
}
