package collab

import (
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	endTime := time.Now().Add(timeout)
	for !condition() {
		if endTime.Before(time.Now()) {
			t.Fatalf("condition not met after %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testTree() []*TreeNode {
	return []*TreeNode{
		NewRootNode("root"),
		{Id: 2, Name: "src", Parent: ParentId(RootId), IsDirectory: true},
		{Id: 3, Name: "README.md", Parent: ParentId(RootId)},
		{Id: 4, Name: "app.py", Parent: ParentId(2)},
	}
}

func TestIdOrder(t *testing.T) {
	a := NewId()
	time.Sleep(2 * time.Millisecond)
	b := NewId()
	assert.Equal(t, a.LessThan(b), true)
	assert.Equal(t, b.LessThan(a), false)

	parsed, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, a)
}

func TestTreeStateOps(t *testing.T) {
	state := NewTreeState(testTree())
	assert.Equal(t, state.Revision(), uint64(0))
	assert.Equal(t, state.NextId(), int64(5))

	revision, err := state.Add(&TreeNode{Id: 5, Name: "main.py", Parent: ParentId(2)})
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, uint64(1))

	_, err = state.Add(&TreeNode{Id: 6, Name: "x.py", Parent: ParentId(3)})
	assert.Equal(t, IsValidationError(err), true)
	_, err = state.Add(&TreeNode{Id: 6, Name: "x.py", Parent: ParentId(99)})
	assert.Equal(t, IsLogicError(err), true)
	_, err = state.Add(&TreeNode{Id: 6, Name: " ", Parent: ParentId(RootId)})
	assert.Equal(t, IsValidationError(err), true)
	_, err = state.Add(&TreeNode{Id: 5, Name: "dup.py", Parent: ParentId(RootId)})
	assert.Equal(t, IsLogicError(err), true)
	assert.Equal(t, state.Revision(), uint64(1))

	// unchanged name is a no-op
	revision, err = state.Rename(3, "README.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, uint64(1))

	revision, err = state.Rename(3, "NOTES.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, uint64(2))
	node, ok := state.Find(3)
	assert.Equal(t, ok, true)
	assert.Equal(t, node.Name, "NOTES.md")

	// removes the directory and everything under it
	revision, err = state.Remove(2)
	assert.Equal(t, err, nil)
	assert.Equal(t, revision, uint64(3))
	assert.Equal(t, state.Len(), 2)
	_, ok = state.Find(4)
	assert.Equal(t, ok, false)
	_, ok = state.Find(5)
	assert.Equal(t, ok, false)

	_, err = state.Remove(2)
	assert.Equal(t, IsLogicError(err), true)
}

func TestTreeStateChangeCallback(t *testing.T) {
	state := NewTreeState(testTree())

	type change struct {
		revision uint64
		reason   ChangeReason
		count    int
	}
	changes := []change{}
	remove := state.AddChangeCallback(func(nodes []*TreeNode, revision uint64, reason ChangeReason) {
		changes = append(changes, change{revision, reason, len(nodes)})
	})

	state.Add(&TreeNode{Id: 5, Name: "main.py", Parent: ParentId(RootId)})
	state.Replace(testTree(), ChangeReasonRemote)
	remove()
	state.Remove(3)

	assert.Equal(t, changes, []change{
		{1, ChangeReasonLocal, 5},
		{2, ChangeReasonRemote, 4},
	})
}

func TestValidateTree(t *testing.T) {
	assert.Equal(t, ValidateTree(testTree()), nil)
	assert.Equal(t, ValidateTree([]*TreeNode{}), nil)

	duplicate := append(testTree(), &TreeNode{Id: 2, Name: "again"})
	assert.Equal(t, IsLogicError(ValidateTree(duplicate)), true)

	orphan := append(testTree(), &TreeNode{Id: 9, Name: "orphan", Parent: ParentId(42)})
	assert.Equal(t, IsLogicError(ValidateTree(orphan)), true)

	cycle := []*TreeNode{
		{Id: 1, Name: "a", Parent: ParentId(2), IsDirectory: true},
		{Id: 2, Name: "b", Parent: ParentId(1), IsDirectory: true},
	}
	assert.Equal(t, IsLogicError(ValidateTree(cycle)), true)

	state := NewTreeState(testTree())
	_, err := state.Replace(cycle, ChangeReasonRemote)
	assert.Equal(t, IsLogicError(err), true)
	assert.Equal(t, TreeEqual(state.Snapshot(), testTree()), true)
}

func TestTreeEncodeDecode(t *testing.T) {
	nodes := testTree()
	value, err := EncodeTree(nodes)
	assert.Equal(t, err, nil)

	// json normalized, as stored in the document
	values, ok := value.([]any)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(values), 4)
	first := values[0].(map[string]any)
	assert.Equal(t, first["parent"], nil)
	assert.Equal(t, first["isDirectory"], true)

	decoded, err := DecodeTree(value)
	assert.Equal(t, err, nil)
	assert.Equal(t, TreeEqual(decoded, nodes), true)

	_, err = DecodeTree("not a tree")
	assert.NotEqual(t, err, nil)

	empty, err := EncodeTree(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, empty, []any{})
}

func TestTreeFingerprint(t *testing.T) {
	a, err := TreeFingerprint(testTree())
	assert.Equal(t, err, nil)
	b, err := TreeFingerprint(testTree())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	renamed := testTree()
	renamed[2].Name = "NOTES.md"
	c, err := TreeFingerprint(renamed)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, a, c)

	// order is significant
	reordered := testTree()
	reordered[1], reordered[2] = reordered[2], reordered[1]
	d, err := TreeFingerprint(reordered)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, a, d)

	assert.Equal(t, len(a.String()), 16)
}

func testToken(t *testing.T, claims gojwt.MapClaims) string {
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	assert.Equal(t, err, nil)
	return token
}

func TestParseIdentityUnverified(t *testing.T) {
	identity, err := ParseIdentityUnverified(testToken(t, gojwt.MapClaims{
		"user_id":  "7",
		"nickname": "neo",
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.UserId, "7")
	assert.Equal(t, identity.DisplayName(), "neo")

	identity, err = ParseIdentityUnverified(testToken(t, gojwt.MapClaims{
		"sub":  float64(12),
		"name": "trinity",
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.UserId, "12")
	assert.Equal(t, identity.Nickname, "trinity")

	identity, err = ParseIdentityUnverified(testToken(t, gojwt.MapClaims{
		"user_id": "8",
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.DisplayName(), "8")

	_, err = ParseIdentityUnverified(testToken(t, gojwt.MapClaims{
		"nickname": "nobody",
	}))
	assert.Equal(t, IsValidationError(err), true)

	_, err = ParseIdentityUnverified("not.a.token")
	assert.NotEqual(t, err, nil)
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &SyncError{Op: "update", Key: "FileTree-42-20240101", Err: &TransportError{Op: "dial", Err: errTestClosed}}
	assert.Equal(t, IsSyncError(err), true)
	assert.Equal(t, IsTransportError(err), true)
	assert.Equal(t, IsValidationError(err), false)
	assert.Equal(t, err.Error(), "sync update FileTree-42-20240101: transport dial: closed")
}

var errTestClosed = &LogicError{Message: "closed"}
