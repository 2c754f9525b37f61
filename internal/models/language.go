// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package models

// Language identifies an executable language or framework workspace.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangGo         Language = "go"
	LangRust       Language = "rust"
	LangJava       Language = "java"
	LangCpp        Language = "cpp"
	LangRuby       Language = "ruby"
	LangReact      Language = "react"
	LangNextJS     Language = "nextjs"
	LangVue        Language = "vue"
)

// multiFile marks framework workspaces that use the virtual file tree and
// a live preview server instead of single-buffer execution.
var multiFile = map[Language]bool{
	LangReact:  true,
	LangNextJS: true,
	LangVue:    true,
}

// ValidLanguage reports whether l is a member of the closed language set.
func ValidLanguage(l Language) bool {
	switch l {
	case LangPython, LangJavaScript, LangTypeScript, LangGo, LangRust,
		LangJava, LangCpp, LangRuby, LangReact, LangNextJS, LangVue:
		return true
	}
	return false
}

// IsMultiFile reports whether l is a framework workspace with a file tree.
func (l Language) IsMultiFile() bool {
	return multiFile[l]
}
