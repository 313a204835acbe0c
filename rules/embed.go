package rules

import "embed"

//go:embed *.yaml
var embedded embed.FS

// FS returns the embedded filesystem with riskgate's financial DLP rules.
func FS() embed.FS {
	return embedded
}
