package cli

import (
	"sort"
	"strings"
	"text/template"

	"github.com/alecthomas/kong"
	"github.com/samber/lo"
)

// CompletionCmd generates shell completions
type CompletionCmd struct {
	Shell string `arg:"" enum:"bash,zsh,fish" help:"Shell type (bash, zsh, fish)"`
}

// completionPath is one command path, joined with "__" (root is "")
type completionPath struct {
	Key         string
	Subcommands string
	Flags       string
}

type completionEnum struct {
	Token  string
	Values string
}

type completionModel struct {
	Paths []completionPath
	Enums []completionEnum
	// PortFlags complete to serial device paths
	PortFlags string
	Root      completionPath
}

// Run executes the completion command. The kong context keeps the scripts
// in sync with the real command tree.
func (c *CompletionCmd) Run(globals *Globals, ctx *kong.Context) error {
	var root *kong.Node
	if ctx != nil && ctx.Model != nil {
		root = ctx.Model.Node
	}
	model := buildCompletionModel(root)

	tmpl, ok := completionTemplates[c.Shell]
	if !ok {
		return outputErrorCommon(globals, codeInvalidFlags, "unsupported shell: "+c.Shell)
	}
	return tmpl.Execute(globals.Stdout, model)
}

func buildCompletionModel(root *kong.Node) completionModel {
	m := completionModel{PortFlags: "-p|--port"}
	if root == nil {
		m.Paths = []completionPath{{}}
		return m
	}

	enums := map[string]string{}
	var walk func(n *kong.Node, path []string)
	walk = func(n *kong.Node, path []string) {
		children := lo.Filter(n.Children, func(child *kong.Node, _ int) bool {
			return child != nil && child.Type == kong.CommandNode && !child.Hidden
		})
		var subs []string
		for _, child := range children {
			subs = append(subs, child.Name)
			subs = append(subs, child.Aliases...)
		}

		var flags []string
		for _, group := range n.AllFlags(true) {
			for _, f := range group {
				tokens := flagTokens(f)
				flags = append(flags, tokens...)
				if f.Enum == "" {
					continue
				}
				values := strings.Join(lo.Compact(lo.Map(strings.Split(f.Enum, ","), func(v string, _ int) string {
					return strings.TrimSpace(v)
				})), " ")
				for _, t := range tokens {
					if _, seen := enums[t]; !seen {
						enums[t] = values
					}
				}
			}
		}

		m.Paths = append(m.Paths, completionPath{
			Key:         strings.Join(path, "__"),
			Subcommands: strings.Join(sortedUnique(subs), " "),
			Flags:       strings.Join(sortedUnique(flags), " "),
		})
		for _, child := range children {
			walk(child, append(append([]string(nil), path...), child.Name))
		}
	}
	walk(root, nil)

	sort.Slice(m.Paths, func(i, j int) bool { return m.Paths[i].Key < m.Paths[j].Key })
	m.Root = m.Paths[0]
	for _, token := range lo.Keys(enums) {
		m.Enums = append(m.Enums, completionEnum{Token: token, Values: enums[token]})
	}
	sort.Slice(m.Enums, func(i, j int) bool { return m.Enums[i].Token < m.Enums[j].Token })
	return m
}

func flagTokens(f *kong.Flag) []string {
	if f == nil {
		return nil
	}
	tokens := []string{"--" + f.Name}
	if f.Short != 0 {
		tokens = append(tokens, "-"+string(f.Short))
	}
	for _, a := range f.Aliases {
		tokens = append(tokens, "--"+a)
	}
	return tokens
}

func sortedUnique(in []string) []string {
	out := lo.Uniq(lo.Compact(lo.Map(in, func(s string, _ int) string { return strings.TrimSpace(s) })))
	sort.Strings(out)
	return out
}

var completionFuncs = template.FuncMap{
	"split": strings.Fields,
	"longFlags": func(flags string) []string {
		return lo.FilterMap(strings.Fields(flags), func(f string, _ int) (string, bool) {
			return strings.TrimPrefix(f, "--"), strings.HasPrefix(f, "--")
		})
	},
	"enumFor": func(enums []completionEnum, token string) string {
		e, _ := lo.Find(enums, func(e completionEnum) bool { return e.Token == token })
		return e.Values
	},
}

var completionTemplates = map[string]*template.Template{
	"bash": template.Must(template.New("bash").Funcs(completionFuncs).Parse(bashCompletion)),
	"zsh":  template.Must(template.New("zsh").Funcs(completionFuncs).Parse(zshCompletion)),
	"fish": template.Must(template.New("fish").Funcs(completionFuncs).Parse(fishCompletion)),
}

const bashCompletion = `# eab bash completion script
# Add to ~/.bashrc:
#   eval "$(eab completion bash)"

_eab_complete_ports() {
    COMPREPLY=($(compgen -W "auto $(ls /dev/tty.usb* /dev/cu.usb* /dev/ttyUSB* /dev/ttyACM* 2>/dev/null)" -- "${cur}"))
}

_eab_completions() {
    local cur prev words cword
    _init_completion || return

    local cmdpath="" candidate="" i
    for ((i=1; i < cword; i++)); do
        local w=${words[i]}
        [[ -z "${w}" || "${w}" == -* ]] && continue
        candidate="${candidate:+${candidate}__}${w}"
        case "${candidate}" in
{{- range .Paths}}{{if .Key}}
            {{.Key}}) cmdpath="${candidate}" ;;
{{- end}}{{end}}
            *) break ;;
        esac
    done

    case "${prev}" in
        {{.PortFlags}})
            _eab_complete_ports
            return
            ;;
{{- range .Enums}}
        {{.Token}})
            COMPREPLY=($(compgen -W "{{.Values}}" -- "${cur}"))
            return
            ;;
{{- end}}
    esac

    local subcommands="" flags=""
    case "${cmdpath}" in
{{- range .Paths}}
        "{{.Key}}")
            subcommands="{{.Subcommands}}"
            flags="{{.Flags}}"
            ;;
{{- end}}
    esac

    if [[ "${cur}" == -* ]]; then
        COMPREPLY=($(compgen -W "${flags}" -- "${cur}"))
    elif [[ -n "${subcommands}" ]]; then
        COMPREPLY=($(compgen -W "${subcommands}" -- "${cur}"))
    fi
}

complete -F _eab_completions eab
`

const zshCompletion = `#compdef eab
# eab zsh completion script
# Add to ~/.zshrc:
#   eval "$(eab completion zsh)"

_eab_complete_ports() {
  local -a ports
  ports=(auto ${(f)"$(ls /dev/tty.usb* /dev/cu.usb* /dev/ttyUSB* /dev/ttyACM* 2>/dev/null)"})
  _describe 'port' ports
}

_eab() {
  local cur="${words[CURRENT]}" prev="${words[CURRENT-1]}"
  local cmdpath="" candidate="" i
  for ((i=2; i < CURRENT; i++)); do
    local w="${words[i]}"
    [[ -z "${w}" || "${w}" == -* ]] && continue
    candidate="${candidate:+${candidate}__}${w}"
    case "${candidate}" in
{{- range .Paths}}{{if .Key}}
      {{.Key}}) cmdpath="${candidate}" ;;
{{- end}}{{end}}
      *) break ;;
    esac
  done

  case "${prev}" in
    {{.PortFlags}})
      _eab_complete_ports
      return
      ;;
{{- range .Enums}}
    {{.Token}})
      compadd -- {{.Values}}
      return
      ;;
{{- end}}
  esac

  local -a subcommands flags
  case "${cmdpath}" in
{{- range .Paths}}
    "{{.Key}}")
      subcommands=({{.Subcommands}})
      flags=({{.Flags}})
      ;;
{{- end}}
  esac

  if [[ "${cur}" == -* ]]; then
    compadd -- ${flags[@]}
  elif (( ${#subcommands[@]} > 0 )); then
    compadd -- ${subcommands[@]}
  fi
}

compdef _eab eab
`

const fishCompletion = `# eab fish completion script
# Add to ~/.config/fish/completions/eab.fish

complete -c eab -f
{{range $cmd := split .Root.Subcommands}}
complete -c eab -n "__fish_use_subcommand" -a "{{$cmd}}"
{{- end}}
{{- $enums := .Enums}}
{{- range longFlags .Root.Flags}}
{{- $values := enumFor $enums (printf "--%s" .)}}
complete -c eab -l {{.}}{{if $values}} -xa "{{$values}}"{{end}}
{{- end}}
complete -c eab -s p -l port -xa "(ls /dev/tty.usb* /dev/cu.usb* /dev/ttyUSB* /dev/ttyACM* 2>/dev/null; echo auto)"
`
