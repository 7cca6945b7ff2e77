package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"unicode"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/workspace-ide/collab/collab"
	"github.com/workspace-ide/collab/collab/docservice"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
}

func main() {
	usage := `Workspace collaboration control.

The config file is read from --config or the COLLAB_CONFIG environment variable.
Urls given as options override the config file.

Usage:
    collabctl terminal --workspace=<workspace_id> --token=<jwt>
        [--broker_url=<broker_url>] [--config=<path>] [--metrics_addr=<addr>] [--log_v=<level>]
    collabctl chat --workspace=<workspace_id> --token=<jwt>
        [--broker_url=<broker_url>] [--config=<path>] [--metrics_addr=<addr>] [--log_v=<level>]
    collabctl tree --workspace=<workspace_id> --token=<jwt>
        [--doc_url=<doc_url>] [--api_url=<api_url>] [--config=<path>] [--metrics_addr=<addr>] [--log_v=<level>]
    collabctl workspaces --token=<jwt> [--category=<category>]
        [--api_url=<api_url>] [--config=<path>]
    collabctl relay [--listen=<addr>] [--config=<path>] [--metrics_addr=<addr>] [--log_v=<level>]
    collabctl whoami --token=<jwt>

Options:
    -h --help                     Show this screen.
    --version                     Show version.
    --workspace=<workspace_id>    The workspace to join.
    --token=<jwt>                 Your session JWT.
    --broker_url=<broker_url>     STOMP over websocket endpoint.
    --doc_url=<doc_url>           Document relay endpoint. Omit to use an in-process document.
    --api_url=<api_url>           Workspace api.
    --category=<category>         MY, LECTURE or QUESTION [default: MY].
    --listen=<addr>               Relay listen address [default: :8090].
    --config=<path>               Config file.
    --metrics_addr=<addr>         Serve prometheus metrics at <addr>/metrics.
    --log_v=<level>               glog verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if logV, err := opts.String("--log_v"); err == nil {
		flag.Set("v", logV)
	}

	config, err := loadConfig(opts)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serveMetrics(config)

	if terminal_, _ := opts.Bool("terminal"); terminal_ {
		err = terminal(ctx, opts, config)
	} else if chat_, _ := opts.Bool("chat"); chat_ {
		err = chat(ctx, opts, config)
	} else if tree_, _ := opts.Bool("tree"); tree_ {
		err = tree(ctx, opts, config)
	} else if workspaces_, _ := opts.Bool("workspaces"); workspaces_ {
		err = workspaces(ctx, opts, config)
	} else if relay_, _ := opts.Bool("relay"); relay_ {
		err = relay(ctx, opts, config)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		err = whoami(opts)
	}
	if err != nil {
		Err.Fatalf("%s", err)
	}
}

func loadConfig(opts docopt.Opts) (*collab.Config, error) {
	var config *collab.Config
	var err error
	if path, pathErr := opts.String("--config"); pathErr == nil {
		config, err = collab.LoadConfig(path)
	} else {
		config, err = collab.LoadConfigFromEnv()
	}
	if err != nil {
		return nil, err
	}

	if brokerUrl, err := opts.String("--broker_url"); err == nil {
		config.Broker.Url = brokerUrl
	}
	if docUrl, err := opts.String("--doc_url"); err == nil {
		config.Documents.Url = docUrl
	}
	if apiUrl, err := opts.String("--api_url"); err == nil {
		config.Api.Url = apiUrl
	}
	if metricsAddr, err := opts.String("--metrics_addr"); err == nil {
		config.Metrics.Addr = metricsAddr
	}
	return config, nil
}

func serveMetrics(config *collab.Config) {
	if config.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collab.MetricsHandler())
	go func() {
		if err := http.ListenAndServe(config.Metrics.Addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Err.Printf("metrics listener = %s", err)
		}
	}()
}

func parseIdentity(opts docopt.Opts) (*collab.Identity, string, error) {
	token, _ := opts.String("--token")
	identity, err := collab.ParseIdentityUnverified(token)
	if err != nil {
		return nil, "", fmt.Errorf("invalid token (%w)", err)
	}
	return identity, token, nil
}

func newTransport(ctx context.Context, config *collab.Config, identity *collab.Identity, token string) (*collab.Transport, error) {
	settings, err := config.TransportSettings()
	if err != nil {
		return nil, err
	}
	settings.ConnectHeaders["Authorization"] = fmt.Sprintf("Bearer %s", token)
	return collab.NewTransport(ctx, config.Broker.Url, identity, settings), nil
}

type stdoutDisplay struct{}

func (self stdoutDisplay) Write(s string) {
	os.Stdout.WriteString(s)
}

// raw mode line editing against the workspace terminal. Ctrl-C or Ctrl-D exits.
func terminal(ctx context.Context, opts docopt.Opts, config *collab.Config) error {
	workspaceId, _ := opts.String("--workspace")
	identity, token, err := parseIdentity(opts)
	if err != nil {
		return err
	}

	transport, err := newTransport(ctx, config, identity, token)
	if err != nil {
		return err
	}
	transport.Activate()
	defer transport.Deactivate()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			return err
		}
		defer term.Restore(stdinFd, state)
	}

	editor := collab.NewTerminalLineEditor(transport, workspaceId, stdoutDisplay{})
	editor.Open()
	defer editor.Close()

	keys := make(chan collab.Key)
	go func() {
		defer close(keys)
		readKeys(bufio.NewReader(os.Stdin), keys)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			if key.Ctrl && (key.Name == "c" || key.Name == "d") {
				os.Stdout.WriteString("\r\n")
				return nil
			}
			editor.HandleKey(key)
		}
	}
}

// decodes raw terminal input into key events
func readKeys(in *bufio.Reader, keys chan collab.Key) {
	for {
		r, _, err := in.ReadRune()
		if err != nil {
			return
		}
		switch {
		case r == '\r' || r == '\n':
			keys <- collab.Key{Key: "\r", Name: "Enter"}
		case r == 127 || r == '\b':
			keys <- collab.Key{Name: "Backspace"}
		case r == 0x1b:
			// escape sequences (arrows, function keys) are consumed and dropped
			if next, err := in.Peek(1); err == nil && next[0] == '[' {
				in.ReadByte()
				for {
					b, err := in.ReadByte()
					if err != nil || ('@' <= b && b <= '~') {
						break
					}
				}
			}
		case r < 0x20:
			keys <- collab.Key{Key: string(r), Name: string(rune('a' + r - 1)), Ctrl: true}
		case unicode.IsPrint(r):
			keys <- collab.Key{Key: string(r), Name: string(r)}
		}
	}
}

// line oriented chat. `/search <query>` lists matching messages.
func chat(ctx context.Context, opts docopt.Opts, config *collab.Config) error {
	workspaceId, _ := opts.String("--workspace")
	identity, token, err := parseIdentity(opts)
	if err != nil {
		return err
	}

	transport, err := newTransport(ctx, config, identity, token)
	if err != nil {
		return err
	}
	transport.Activate()
	defer transport.Deactivate()

	session := collab.NewChatSession(transport, workspaceId)
	session.AddMessageCallback(func(index int, message *collab.ChatMessage) {
		switch message.MessageType {
		case collab.MessageTypeEnter:
			Out.Printf("* %s joined", message.SenderName)
		case collab.MessageTypeExit:
			Out.Printf("* %s left", message.SenderName)
		default:
			Out.Printf("[%d] %s", index, message.Message)
		}
	})
	session.Open()
	defer session.Close()

	return readLines(ctx, func(line string) {
		if query, ok := strings.CutPrefix(line, "/search "); ok {
			messages := session.Messages()
			indices := session.Search(query)
			for _, i := range indices {
				Out.Printf("> [%d] %s", i, messages[i].Message)
			}
			Out.Printf("> %d matches", len(indices))
			return
		}
		if !session.Send(line) && strings.TrimSpace(line) != "" {
			Out.Printf("> not sent (%s)", transport.State())
		}
	})
}

// joins the shared file tree and edits it from stdin:
//
//	add <parent_id> <name> [dir]
//	rename <id> <name>
//	rm <id>
//	ls
func tree(ctx context.Context, opts docopt.Opts, config *collab.Config) error {
	workspaceId, _ := opts.String("--workspace")
	identity, token, err := parseIdentity(opts)
	if err != nil {
		return err
	}

	nodes := []*collab.TreeNode{collab.NewRootNode(workspaceId)}
	if apiWorkspaceId, err := strconv.ParseInt(workspaceId, 10, 64); err == nil && config.Api.Url != "" {
		api := collab.NewWorkspaceApiWithContext(ctx, config.Api.Url)
		defer api.Close()
		api.SetToken(token)
		result, err := api.GetWorkspaceSync(apiWorkspaceId)
		if err != nil {
			Err.Printf("open workspace = %s (starting from an empty tree)", err)
		} else if 0 < len(result.Tree) {
			nodes = result.Tree
		}
	}
	local := collab.NewTreeState(nodes)

	var client docservice.Client
	if config.Documents.Url == "" {
		hub := docservice.NewHub(ctx)
		defer hub.Close()
		client = docservice.NewLocalClient(ctx, hub)
	} else {
		header := http.Header{}
		header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		client = docservice.NewRemoteClientWithDefaults(ctx, config.Documents.Url, header)
	}
	defer client.Close()

	syncSettings, err := config.SyncSettings()
	if err != nil {
		return err
	}
	synchronizer := collab.NewTreeSynchronizer(ctx, client, local, identity, syncSettings)
	defer synchronizer.Close()
	synchronizer.AddSyncErrorCallback(func(err error) {
		Err.Printf("%s", err)
	})
	synchronizer.AddPresenceCallback(func(presences []docservice.PeerPresence) {
		names := []string{}
		for _, presence := range presences {
			names = append(names, presence.Presence["username"])
		}
		Out.Printf("* here: %s", strings.Join(names, ", "))
	})
	local.AddChangeCallback(func(nodes []*collab.TreeNode, revision uint64, reason collab.ChangeReason) {
		if reason == collab.ChangeReasonRemote {
			printTree(nodes)
		}
	})

	if err := synchronizer.Attach(ctx, workspaceId); err != nil {
		return err
	}
	Out.Printf("* joined %s", synchronizer.Key())
	printTree(local.Snapshot())

	return readLines(ctx, func(line string) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return
		}
		var err error
		switch fields[0] {
		case "ls":
			printTree(local.Snapshot())
		case "add":
			if len(fields) < 3 {
				err = fmt.Errorf("usage: add <parent_id> <name> [dir]")
				break
			}
			var parentId int64
			parentId, err = strconv.ParseInt(fields[1], 10, 64)
			if err == nil {
				_, err = local.Add(&collab.TreeNode{
					Id:          local.NextId(),
					Name:        fields[2],
					Parent:      collab.ParentId(parentId),
					IsDirectory: len(fields) == 4 && fields[3] == "dir",
				})
			}
		case "rename":
			if len(fields) < 3 {
				err = fmt.Errorf("usage: rename <id> <name>")
				break
			}
			var id int64
			id, err = strconv.ParseInt(fields[1], 10, 64)
			if err == nil {
				_, err = local.Rename(id, fields[2])
			}
		case "rm":
			if len(fields) < 2 {
				err = fmt.Errorf("usage: rm <id>")
				break
			}
			var id int64
			id, err = strconv.ParseInt(fields[1], 10, 64)
			if err == nil {
				_, err = local.Remove(id)
			}
		default:
			err = fmt.Errorf("unknown command %s", fields[0])
		}
		if err != nil {
			Out.Printf("> %s", err)
		}
	})
}

func printTree(nodes []*collab.TreeNode) {
	children := map[int64][]*collab.TreeNode{}
	roots := []*collab.TreeNode{}
	for _, node := range nodes {
		if node.Parent == nil {
			roots = append(roots, node)
		} else {
			children[*node.Parent] = append(children[*node.Parent], node)
		}
	}
	var visit func(node *collab.TreeNode, depth int)
	visit = func(node *collab.TreeNode, depth int) {
		suffix := ""
		if node.IsDirectory {
			suffix = "/"
		}
		Out.Printf("%s%s%s (%d)", strings.Repeat("  ", depth), node.Name, suffix, node.Id)
		for _, child := range children[node.Id] {
			visit(child, depth+1)
		}
	}
	for _, root := range roots {
		visit(root, 0)
	}
}

func workspaces(ctx context.Context, opts docopt.Opts, config *collab.Config) error {
	token, _ := opts.String("--token")
	category, _ := opts.String("--category")

	api := collab.NewWorkspaceApiWithContext(ctx, config.Api.Url)
	defer api.Close()
	api.SetToken(token)

	result, err := api.ListWorkspacesSync(collab.WorkspaceCategory(strings.ToUpper(category)))
	if err != nil {
		return err
	}
	for _, workspace := range result.Result {
		Out.Printf("%d\t%s\t%s\t%s", workspace.Id, workspace.Language, workspace.Title, workspace.Nickname)
	}
	return nil
}

// serves an in-memory document hub over websocket
func relay(ctx context.Context, opts docopt.Opts, config *collab.Config) error {
	listen, _ := opts.String("--listen")

	hub := docservice.NewHub(ctx)
	defer hub.Close()
	server := docservice.NewServerWithDefaults(ctx, hub)
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/", server)
	httpServer := &http.Server{
		Addr:    listen,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	Out.Printf("relay listening on %s", listen)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func whoami(opts docopt.Opts) error {
	identity, _, err := parseIdentity(opts)
	if err != nil {
		return err
	}
	Out.Printf("user_id: %s", identity.UserId)
	Out.Printf("display_name: %s", identity.DisplayName())
	return nil
}

// calls `handle` for each stdin line until eof or cancel
func readLines(ctx context.Context, handle func(line string)) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errs
			}
			handle(line)
		}
	}
}
