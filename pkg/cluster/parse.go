package cluster

import (
    "encoding/json"
    "regexp"
    "strings"
    "unicode"

    "github.com/amirimatin/rabbit-autocluster/pkg/node"
)

// StatusParser turns raw broker status output into a ClusterStatus. Labels
// the parser cannot find leave the matching field absent.
type StatusParser interface {
    Parse(raw string) (ClusterStatus, error)
}

// Section labels of the Erlang-term status dump.
const (
    labelDisc        = "{disc,"
    labelRunning     = "{running_nodes,"
    labelClusterName = "{cluster_name,"
)

// binaryName matches an Erlang binary such as <<"prod">>.
var binaryName = regexp.MustCompile(`<<"([^"]+)">>`)

// TextParser scrapes the human-readable status dump printed by older brokers:
//
//  Cluster status of node 'rabbit@ip-10-0-0-1' ...
//  [{nodes,[{disc,['rabbit@ip-10-0-0-1','rabbit@ip-10-0-0-2']}]},
//   {running_nodes,['rabbit@ip-10-0-0-2','rabbit@ip-10-0-0-1']},
//   {cluster_name,<<"rabbit@ip-10-0-0-1.ec2.internal">>},
//   {partitions,[]}]
//
// The format is not a stable protocol, so parsing is tolerant: whitespace is
// dropped, the dump is split into "}," separated fragments and each fragment
// is routed by the label it carries.
type TextParser struct {
    // Prefix is the node-name prefix names must carry. Defaults to "rabbit".
    Prefix string
}

func (p TextParser) Parse(raw string) (ClusterStatus, error) {
    prefix := p.Prefix
    if prefix == "" { prefix = node.DefaultPrefix }
    names := regexp.MustCompile(`['"]` + regexp.QuoteMeta(prefix+"@") + `.*['"]`)

    var st ClusterStatus
    for _, frag := range strings.Split(squash(dropBanner(raw)), "},") {
        // cluster names are free-form after set_cluster_name
        if strings.Contains(frag, labelClusterName) {
            if b := binaryName.FindStringSubmatch(frag); b != nil {
                st.ClusterName = b[1]
                continue
            }
        }
        m := names.FindString(frag)
        if m == "" { continue }
        m = strings.NewReplacer("'", "", `"`, "").Replace(m)
        switch {
        case strings.Contains(frag, labelDisc):
            st.DiscNodes = setOf(st.DiscNodes, m)
        case strings.Contains(frag, labelRunning):
            st.RunningNodes = setOf(st.RunningNodes, m)
        case strings.Contains(frag, labelClusterName):
            st.ClusterName = m
        }
    }
    return st, nil
}

func dropBanner(raw string) string {
    raw = strings.TrimLeft(raw, " \t\r\n")
    if strings.HasPrefix(raw, "Cluster status of node") {
        if i := strings.IndexByte(raw, '\n'); i >= 0 { return raw[i+1:] }
        return ""
    }
    return raw
}

func squash(s string) string {
    return strings.Map(func(r rune) rune {
        if unicode.IsSpace(r) { return -1 }
        return r
    }, s)
}

func setOf(s *node.Set, csv string) *node.Set {
    if s == nil { s = node.NewSet() }
    for _, n := range strings.Split(csv, ",") {
        s.Add(node.Identity(n))
    }
    return s
}

// FormatText renders st in the Erlang-term layout TextParser reads. Absent
// fields are omitted.
func FormatText(st ClusterStatus) string {
    quote := func(s *node.Set) string {
        parts := make([]string, 0, s.Len())
        for _, n := range s.Strings() { parts = append(parts, "'"+n+"'") }
        return "[" + strings.Join(parts, ",") + "]"
    }
    var sections []string
    if st.DiscNodes != nil { sections = append(sections, "{nodes,[{disc,"+quote(st.DiscNodes)+"}]}") }
    if st.RunningNodes != nil { sections = append(sections, "{running_nodes,"+quote(st.RunningNodes)+"}") }
    if st.HasClusterName() { sections = append(sections, `{cluster_name,<<"`+st.ClusterName+`">>}`) }
    sections = append(sections, "{partitions,[]}")
    return "[" + strings.Join(sections, ",\n ") + "]\n"
}

// JSONParser reads the output of `cluster_status --formatter json`.
type JSONParser struct{}

type jsonStatus struct {
    DiskNodes    *[]string `json:"disk_nodes"`
    RunningNodes *[]string `json:"running_nodes"`
    ClusterName  *string   `json:"cluster_name"`
}

func (JSONParser) Parse(raw string) (ClusterStatus, error) {
    var js jsonStatus
    if err := json.Unmarshal([]byte(raw), &js); err != nil { return ClusterStatus{}, err }
    var st ClusterStatus
    if js.DiskNodes != nil { st.DiscNodes = node.NewSet(identities(*js.DiskNodes)...) }
    if js.RunningNodes != nil { st.RunningNodes = node.NewSet(identities(*js.RunningNodes)...) }
    if js.ClusterName != nil { st.ClusterName = strings.TrimSpace(*js.ClusterName) }
    return st, nil
}

func identities(ss []string) []node.Identity {
    out := make([]node.Identity, 0, len(ss))
    for _, s := range ss { out = append(out, node.Identity(s)) }
    return out
}

// AutoParser prefers the structured form and falls back to scraping text.
type AutoParser struct {
    Text TextParser
}

func (p AutoParser) Parse(raw string) (ClusterStatus, error) {
    if strings.HasPrefix(strings.TrimSpace(raw), "{") {
        if st, err := (JSONParser{}).Parse(raw); err == nil { return st, nil }
    }
    return p.Text.Parse(raw)
}
