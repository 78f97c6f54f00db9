package action

import (
	"fmt"
	"strings"
)

// Kind names a payload variant.
type Kind string

const (
	KindFile       Kind = "file"
	KindShell      Kind = "shell"
	KindNpmInstall Kind = "npmInstall"
	KindDeploy     Kind = "deploy"
	KindEdit       Kind = "edit"
	KindView       Kind = "view"
)

// Payload is a closed union; only the variants in this package implement it.
type Payload interface {
	Kind() Kind
	sealed()
}

type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type Shell struct {
	Command string `json:"command"`
}

type NpmInstall struct {
	Packages []string `json:"packages"`
}

type Deploy struct{}

type Edit struct {
	Path string `json:"path"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

type View struct {
	Path  string `json:"path"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

func (File) Kind() Kind       { return KindFile }
func (Shell) Kind() Kind      { return KindShell }
func (NpmInstall) Kind() Kind { return KindNpmInstall }
func (Deploy) Kind() Kind     { return KindDeploy }
func (Edit) Kind() Kind       { return KindEdit }
func (View) Kind() Kind       { return KindView }

func (File) sealed()       {}
func (Shell) sealed()      {}
func (NpmInstall) sealed() {}
func (Deploy) sealed()     {}
func (Edit) sealed()       {}
func (View) sealed()       {}

// Describe renders the payload as the action's content string.
func Describe(p Payload) string {
	switch v := p.(type) {
	case File:
		return v.Content
	case Shell:
		return v.Command
	case NpmInstall:
		return strings.Join(v.Packages, " ")
	case Deploy:
		return ""
	case Edit:
		return v.New
	case View:
		return v.Path
	default:
		panic(fmt.Sprintf("action: unhandled payload %T", p))
	}
}

// Mutates reports whether executing the payload changes the workspace.
func Mutates(p Payload) bool {
	switch p.(type) {
	case File, Shell, NpmInstall, Edit:
		return true
	case Deploy, View:
		return false
	default:
		panic(fmt.Sprintf("action: unhandled payload %T", p))
	}
}
