// Package canvas は Obsidian 互換の .canvas 文書を id アリーナとして扱います。
// ノード同士は id でのみ参照し合い、オブジェクト参照は保持しません。
package canvas

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NodeKind は canvas ノードの種別です。
type NodeKind string

const (
	KindText  NodeKind = "text"
	KindFile  NodeKind = "file"
	KindLink  NodeKind = "link"
	KindGroup NodeKind = "group"
)

// Node は canvas 上の1ノードです。Kind に応じて Text / File / URL のいずれかが使われます。
type Node struct {
	ID     string   `json:"id"`
	Kind   NodeKind `json:"type"`
	X      int      `json:"x"`
	Y      int      `json:"y"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Text   string   `json:"text,omitempty"`
	File   string   `json:"file,omitempty"`
	URL    string   `json:"url,omitempty"`
	Label  string   `json:"label,omitempty"`
	Color  string   `json:"color,omitempty"`
}

// Edge はノード間の接続です。FromNode / ToNode は必ず実在ノードの id を指します。
type Edge struct {
	ID       string `json:"id"`
	FromNode string `json:"fromNode"`
	ToNode   string `json:"toNode"`
	Label    string `json:"label,omitempty"`
}

// Document はノードとエッジのアリーナです。挿入順を保持したままシリアライズします。
type Document struct {
	nodes     map[string]*Node
	edges     map[string]*Edge
	nodeOrder []string
	edgeOrder []string
	// incident は ノードid → 接続エッジid群 の隣接リストなのだ。
	incident map[string][]string
}

type documentJSON struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// NewDocument は空の文書を返します。
func NewDocument() *Document {
	return &Document{
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		incident: make(map[string][]string),
	}
}

// Parse は .canvas のJSONバイト列から文書を構築します。
// 実在しないノードを指すエッジは不正としてエラーになります。
func Parse(data []byte) (*Document, error) {
	var raw documentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("canvasのデコードに失敗しました: %w", err)
	}
	doc := NewDocument()
	for _, n := range raw.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("idのないノードが含まれています")
		}
		if _, dup := doc.nodes[n.ID]; dup {
			return nil, fmt.Errorf("ノードid %q が重複しています", n.ID)
		}
		doc.nodes[n.ID] = n
		doc.nodeOrder = append(doc.nodeOrder, n.ID)
	}
	for _, e := range raw.Edges {
		if err := doc.addEdge(e); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Marshal は文書を .canvas 形式のJSONへ書き出します。
func (d *Document) Marshal() ([]byte, error) {
	out := documentJSON{Nodes: []*Node{}, Edges: []*Edge{}}
	for _, id := range d.nodeOrder {
		n := d.nodes[id]
		switch n.Kind {
		case KindText, KindFile, KindLink, KindGroup:
		default:
			return nil, fmt.Errorf("未知のノード種別 %q は書き出せません", n.Kind)
		}
		out.Nodes = append(out.Nodes, n)
	}
	for _, id := range d.edgeOrder {
		out.Edges = append(out.Edges, d.edges[id])
	}
	return json.MarshalIndent(out, "", "\t")
}

// Node は id からノードを引きます。見つからなければ nil です。
func (d *Document) Node(id string) *Node {
	return d.nodes[id]
}

// Nodes は挿入順の全ノードを返します。
func (d *Document) Nodes() []*Node {
	out := make([]*Node, 0, len(d.nodeOrder))
	for _, id := range d.nodeOrder {
		out = append(out, d.nodes[id])
	}
	return out
}

// NodeCount と EdgeCount は現在の要素数を返すのだ。
func (d *Document) NodeCount() int { return len(d.nodes) }
func (d *Document) EdgeCount() int { return len(d.edges) }

// AddNode はノードを追加し、その id を返します。id が空なら採番します。
func (d *Document) AddNode(n Node) (string, error) {
	if n.ID == "" {
		n.ID = newID()
	}
	if _, dup := d.nodes[n.ID]; dup {
		return "", fmt.Errorf("ノードid %q は既に存在します", n.ID)
	}
	stored := n
	d.nodes[stored.ID] = &stored
	d.nodeOrder = append(d.nodeOrder, stored.ID)
	return stored.ID, nil
}

// AddEdge は2ノード間のエッジを追加し、その id を返します。
func (d *Document) AddEdge(fromID, toID string) (string, error) {
	e := &Edge{ID: newID(), FromNode: fromID, ToNode: toID}
	if err := d.addEdge(e); err != nil {
		return "", err
	}
	return e.ID, nil
}

func (d *Document) addEdge(e *Edge) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if _, dup := d.edges[e.ID]; dup {
		return fmt.Errorf("エッジid %q が重複しています", e.ID)
	}
	if _, ok := d.nodes[e.FromNode]; !ok {
		return fmt.Errorf("エッジ %q の始点ノード %q が存在しません", e.ID, e.FromNode)
	}
	if _, ok := d.nodes[e.ToNode]; !ok {
		return fmt.Errorf("エッジ %q の終点ノード %q が存在しません", e.ID, e.ToNode)
	}
	d.edges[e.ID] = e
	d.edgeOrder = append(d.edgeOrder, e.ID)
	d.incident[e.FromNode] = append(d.incident[e.FromNode], e.ID)
	d.incident[e.ToNode] = append(d.incident[e.ToNode], e.ID)
	return nil
}

// RemoveNodes はノード群と、それらに接続する全エッジをまとめて取り除きます。
func (d *Document) RemoveNodes(ids []string) {
	doomed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := d.nodes[id]; ok {
			doomed[id] = struct{}{}
		}
	}
	if len(doomed) == 0 {
		return
	}
	deadEdges := make(map[string]struct{})
	for id := range doomed {
		for _, eid := range d.incident[id] {
			deadEdges[eid] = struct{}{}
		}
	}
	for eid := range deadEdges {
		e := d.edges[eid]
		delete(d.edges, eid)
		d.incident[e.FromNode] = removeString(d.incident[e.FromNode], eid)
		d.incident[e.ToNode] = removeString(d.incident[e.ToNode], eid)
	}
	d.edgeOrder = filterOrder(d.edgeOrder, deadEdges)
	for id := range doomed {
		delete(d.nodes, id)
		delete(d.incident, id)
	}
	d.nodeOrder = filterOrder(d.nodeOrder, doomed)
}

// LinkedFrom は toID へ向かうエッジを持つノード群を挿入順で返します。
// アンカーに添付された入力画像ノードの収集に使うのだ。
func (d *Document) LinkedFrom(toID string) []*Node {
	var out []*Node
	for _, eid := range d.edgeOrder {
		e := d.edges[eid]
		if e.ToNode == toID {
			if n, ok := d.nodes[e.FromNode]; ok {
				out = append(out, n)
			}
		}
	}
	return out
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

func filterOrder(order []string, dead map[string]struct{}) []string {
	out := order[:0]
	for _, id := range order {
		if _, gone := dead[id]; !gone {
			out = append(out, id)
		}
	}
	return out
}

// newID は canvas ノード/エッジ用の短いidを採番するのだ。
func newID() string {
	u := uuid.NewString()
	return u[:8] + u[9:13] + u[14:18]
}
