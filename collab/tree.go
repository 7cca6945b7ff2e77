package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// the synthetic root directory. Top level entries are created under it.
const RootId int64 = 1

type TreeNode struct {
	Id          int64  `json:"id"`
	Name        string `json:"name"`
	Parent      *int64 `json:"parent"`
	IsDirectory bool   `json:"isDirectory"`
}

func NewRootNode(name string) *TreeNode {
	return &TreeNode{
		Id:          RootId,
		Name:        name,
		IsDirectory: true,
	}
}

func ParentId(id int64) *int64 {
	return &id
}

func (self *TreeNode) Copy() *TreeNode {
	node := *self
	if self.Parent != nil {
		parent := *self.Parent
		node.Parent = &parent
	}
	return &node
}

func (self *TreeNode) String() string {
	if self.Parent == nil {
		return fmt.Sprintf("%d:%s", self.Id, self.Name)
	}
	return fmt.Sprintf("%d:%s<-%d", self.Id, self.Name, *self.Parent)
}

func CopyTree(nodes []*TreeNode) []*TreeNode {
	if nodes == nil {
		return nil
	}
	copied := make([]*TreeNode, 0, len(nodes))
	for _, node := range nodes {
		copied = append(copied, node.Copy())
	}
	return copied
}

// structural equality: ids, names, parent links, directory flags and order
func TreeEqual(a []*TreeNode, b []*TreeNode) bool {
	return slices.EqualFunc(a, b, func(x *TreeNode, y *TreeNode) bool {
		if x.Id != y.Id || x.Name != y.Name || x.IsDirectory != y.IsDirectory {
			return false
		}
		if (x.Parent == nil) != (y.Parent == nil) {
			return false
		}
		return x.Parent == nil || *x.Parent == *y.Parent
	})
}

// ids are unique, every parent exists, and no node is its own ancestor
func ValidateTree(nodes []*TreeNode) error {
	parents := map[int64]*int64{}
	for _, node := range nodes {
		if node == nil {
			return newLogicError("tree contains a nil node")
		}
		if _, ok := parents[node.Id]; ok {
			return newLogicError("duplicate node id %d", node.Id)
		}
		parents[node.Id] = node.Parent
	}
	for _, node := range nodes {
		if node.Parent == nil {
			continue
		}
		if _, ok := parents[*node.Parent]; !ok {
			return newLogicError("node %d references missing parent %d", node.Id, *node.Parent)
		}
	}
	for _, node := range nodes {
		visited := map[int64]bool{node.Id: true}
		for parent := node.Parent; parent != nil; parent = parents[*parent] {
			if visited[*parent] {
				return newLogicError("node %d is its own ancestor", node.Id)
			}
			visited[*parent] = true
		}
	}
	return nil
}

// converts the tree into a json normalized document value
func EncodeTree(nodes []*TreeNode) (any, error) {
	if nodes == nil {
		nodes = []*TreeNode{}
	}
	treeJson, err := json.Marshal(nodes)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(treeJson, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func DecodeTree(value any) ([]*TreeNode, error) {
	treeJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	nodes := []*TreeNode{}
	if err := json.Unmarshal(treeJson, &nodes); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return nodes, nil
}

type ChangeReason string

const (
	ChangeReasonLocal  ChangeReason = "local"
	ChangeReasonRemote ChangeReason = "remote"
)

type TreeChangeFunction func(nodes []*TreeNode, revision uint64, reason ChangeReason)

// the local mutable tree. Each change bumps a monotonic revision.
// Mutations and their change callbacks are serialized, so callbacks
// must not mutate the same state.
type TreeState struct {
	changeLock sync.Mutex

	stateLock sync.Mutex
	nodes     []*TreeNode
	revision  uint64

	changeCallbacks *CallbackList[TreeChangeFunction]
}

func NewTreeState(nodes []*TreeNode) *TreeState {
	return &TreeState{
		nodes:           CopyTree(nodes),
		changeCallbacks: NewCallbackList[TreeChangeFunction](),
	}
}

func (self *TreeState) AddChangeCallback(changeCallback TreeChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *TreeState) Snapshot() []*TreeNode {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return CopyTree(self.nodes)
}

func (self *TreeState) Revision() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.revision
}

func (self *TreeState) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.nodes)
}

func (self *TreeState) Find(id int64) (*TreeNode, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if i := self.indexOf(id); 0 <= i {
		return self.nodes[i].Copy(), true
	}
	return nil, false
}

// the next id above every id in the tree, for entries created before the server assigns one
func (self *TreeState) NextId() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	next := RootId
	for _, node := range self.nodes {
		if next <= node.Id {
			next = node.Id + 1
		}
	}
	return next
}

// replaces the whole tree, e.g. with a fresh tree payload from the entry api or a remote snapshot
func (self *TreeState) Replace(nodes []*TreeNode, reason ChangeReason) (uint64, error) {
	if err := ValidateTree(nodes); err != nil {
		return self.Revision(), err
	}
	return self.mutate(reason, func(current []*TreeNode) ([]*TreeNode, bool, error) {
		return CopyTree(nodes), true, nil
	})
}

func (self *TreeState) Add(node *TreeNode) (uint64, error) {
	if strings.TrimSpace(node.Name) == "" {
		return self.Revision(), &ValidationError{Field: "name", Message: "entry name is required"}
	}
	return self.mutate(ChangeReasonLocal, func(current []*TreeNode) ([]*TreeNode, bool, error) {
		if 0 <= indexOfNode(current, node.Id) {
			return nil, false, newLogicError("node %d already exists", node.Id)
		}
		if node.Parent != nil {
			i := indexOfNode(current, *node.Parent)
			if i < 0 {
				return nil, false, newLogicError("parent %d does not exist", *node.Parent)
			}
			if !current[i].IsDirectory {
				return nil, false, &ValidationError{Field: "parent", Message: "cannot create an entry inside a file"}
			}
		}
		next := CopyTree(current)
		next = append(next, node.Copy())
		return next, true, nil
	})
}

func (self *TreeState) Rename(id int64, name string) (uint64, error) {
	if strings.TrimSpace(name) == "" {
		return self.Revision(), &ValidationError{Field: "name", Message: "entry name is required"}
	}
	return self.mutate(ChangeReasonLocal, func(current []*TreeNode) ([]*TreeNode, bool, error) {
		i := indexOfNode(current, id)
		if i < 0 {
			return nil, false, newLogicError("node %d does not exist", id)
		}
		if current[i].Name == name {
			return nil, false, nil
		}
		next := CopyTree(current)
		next[i].Name = name
		return next, true, nil
	})
}

// removes the node and all of its descendants
func (self *TreeState) Remove(id int64) (uint64, error) {
	return self.mutate(ChangeReasonLocal, func(current []*TreeNode) ([]*TreeNode, bool, error) {
		if indexOfNode(current, id) < 0 {
			return nil, false, newLogicError("node %d does not exist", id)
		}
		removed := map[int64]bool{id: true}
		for changed := true; changed; {
			changed = false
			for _, node := range current {
				if node.Parent != nil && removed[*node.Parent] && !removed[node.Id] {
					removed[node.Id] = true
					changed = true
				}
			}
		}
		next := []*TreeNode{}
		for _, node := range current {
			if !removed[node.Id] {
				next = append(next, node.Copy())
			}
		}
		return next, true, nil
	})
}

func (self *TreeState) mutate(
	reason ChangeReason,
	update func(current []*TreeNode) ([]*TreeNode, bool, error),
) (uint64, error) {
	self.changeLock.Lock()
	defer self.changeLock.Unlock()

	var nodes []*TreeNode
	var revision uint64
	changed := false
	var err error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var next []*TreeNode
		next, changed, err = update(self.nodes)
		if err != nil || !changed {
			revision = self.revision
			return
		}
		self.nodes = next
		self.revision += 1
		revision = self.revision
		nodes = CopyTree(next)
	}()
	if err != nil || !changed {
		return revision, err
	}

	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(CopyTree(nodes), revision, reason)
		})
	}
	return revision, nil
}

// caller must hold the state lock
func (self *TreeState) indexOf(id int64) int {
	return indexOfNode(self.nodes, id)
}

func indexOfNode(nodes []*TreeNode, id int64) int {
	return slices.IndexFunc(nodes, func(node *TreeNode) bool {
		return node.Id == id
	})
}
