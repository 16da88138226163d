// Package cli implements anonchat's interactive terminal frontend: a
// line-oriented command dispatcher over the Runtime, styled with
// lipgloss and reading passwords without echo via golang.org/x/term,
// in the manner of the teacher's own operator console.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/lanwire/anonchat/internal/room"
	"github.com/lanwire/anonchat/internal/runtime"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// CLI drives a read-eval-print loop against a Runtime.
type CLI struct {
	rt     *runtime.Runtime
	in     *bufio.Scanner
	out    io.Writer
	uiURL  string
	readPW func() (string, error)
}

// New constructs a CLI reading commands from in and writing output to
// out. readPassword, if non-nil, is used for /join prompts on locked
// rooms; pass nil to fall back to reading the password as a plain line.
func New(rt *runtime.Runtime, in io.Reader, out io.Writer, uiURL string, readPassword func() (string, error)) *CLI {
	c := &CLI{
		rt:     rt,
		in:     bufio.NewScanner(in),
		out:    out,
		uiURL:  uiURL,
		readPW: readPassword,
	}
	return c
}

// PrintBanner prints the startup banner.
func (c *CLI) PrintBanner() {
	fmt.Fprintf(c.out, "%s\n", headerStyle.Render("AnonChat started as: "+c.rt.Identity.DisplayName()))
	fmt.Fprintln(c.out, "Security: encrypted (ephemeral session keys)")
	fmt.Fprintln(c.out, "Type /help to see available commands.")
	fmt.Fprintln(c.out)
}

// PrintMenu prints the main menu banner.
func (c *CLI) PrintMenu() {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, headerStyle.Render("=== AnonChat ==="))
	fmt.Fprintf(c.out, "User: %s\n", c.rt.Identity.DisplayName())
	fmt.Fprintf(c.out, "Interface: %s\n", c.rt.BindIP())
	fmt.Fprintf(c.out, "UI: %s\n", c.uiURL)
	fmt.Fprintln(c.out, dimStyle.Render("Commands: /menu /help /logs /peers /send /sendall /rooms /create /join /leave /kick /roomsend /quit"))
	fmt.Fprintln(c.out)
}

// PrintHelp prints the full command reference.
func (c *CLI) PrintHelp() {
	fmt.Fprint(c.out, `
Commands:
  /peers                        List discovered peers
  /send <id> <message>          Send message to a specific peer
  /sendall <message>            Send message to all peers
  /rooms                        List known rooms
  /create <name> [max] [pass]   Create and announce a room
  /join <room_id>               Join a discoverable room
  /leave <room_id>               Leave a room
  /kick <room_id> <peer_id>      Kick a member (owner only)
  /roomsend <room_id> <message>  Send a message to a room
  /logs                         Show recent logs
  /menu                         Show the main menu
  /help                         Show this help
  /quit                         Exit
`)
}

// Run reads commands until /quit, EOF, or the scanner errors.
func (c *CLI) Run() error {
	c.PrintBanner()
	for {
		line, ok := c.readLine()
		if !ok {
			return c.in.Err()
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !c.dispatch(line) {
			return nil
		}
	}
}

func (c *CLI) readLine() (string, bool) {
	if !c.in.Scan() {
		return "", false
	}
	return c.in.Text(), true
}

// dispatch handles one command line; it returns false when the CLI
// should exit.
func (c *CLI) dispatch(line string) bool {
	switch {
	case line == "/quit" || line == "/exit":
		return false
	case line == "/menu":
		c.PrintMenu()
	case line == "/help":
		c.PrintHelp()
	case line == "/logs":
		c.printLogs()
	case line == "/peers":
		c.printPeers()
	case line == "/rooms":
		c.printRooms()
	case strings.HasPrefix(line, "/sendall "):
		c.cmdSendAll(strings.TrimPrefix(line, "/sendall "))
	case strings.HasPrefix(line, "/send "):
		c.cmdSend(strings.TrimPrefix(line, "/send "))
	case strings.HasPrefix(line, "/create "):
		c.cmdCreate(strings.TrimPrefix(line, "/create "))
	case strings.HasPrefix(line, "/join "):
		c.cmdJoin(strings.TrimPrefix(line, "/join "))
	case strings.HasPrefix(line, "/leave "):
		c.cmdLeave(strings.TrimPrefix(line, "/leave "))
	case strings.HasPrefix(line, "/kick "):
		c.cmdKick(strings.TrimPrefix(line, "/kick "))
	case strings.HasPrefix(line, "/roomsend "):
		c.cmdRoomSend(strings.TrimPrefix(line, "/roomsend "))
	default:
		fmt.Fprintln(c.out, "Unknown command. Type /help.")
	}
	return true
}

func (c *CLI) printLogs() {
	entries := c.rt.Logs.Snapshot()
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No logs yet.")
		return
	}
	fmt.Fprintln(c.out, "\nRecent logs:")
	for _, e := range entries {
		fmt.Fprintf(c.out, "  [%s] %s %s\n", humanize.Time(e.Time), strings.ToUpper(e.Level), e.Message)
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) printPeers() {
	peers := c.rt.GetPeers()
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "No peers discovered.")
		return
	}
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(c.out, "\nPeers:")
	for _, id := range ids {
		p := peers[id]
		name := id
		if p.Nickname != "" {
			name = fmt.Sprintf("%s (%s)", id, p.Nickname)
		}
		fmt.Fprintf(c.out, "  %-28s %-15s last seen %s\n", name, p.IP, humanize.Time(p.LastSeen))
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) printRooms() {
	rooms := c.rt.Rooms.ListRooms()
	if len(rooms) == 0 {
		fmt.Fprintln(c.out, "No known rooms.")
		return
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	fmt.Fprintln(c.out, "\nRooms:")
	for _, r := range rooms {
		state := "discovered"
		if r.Joined {
			state = "joined"
		} else if r.Pending {
			state = "pending"
		}
		lock := ""
		if r.Locked {
			lock = " [locked]"
		}
		fmt.Fprintf(c.out, "  %-14s %-20q owner=%s members=%d %s%s\n",
			r.ID, r.Name, r.OwnerID, len(r.Members), state, lock)
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdSendAll(msg string) {
	sent := c.rt.SendToAll(msg)
	fmt.Fprintf(c.out, "Sent to %d peer(s).\n", sent)
}

func (c *CLI) cmdSend(rest string) {
	peerID, msg, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Fprintln(c.out, "Usage: /send <peer_id> <message>")
		return
	}
	if err := c.rt.SendToPeer(peerID, msg); err != nil {
		fmt.Fprintln(c.out, errorStyle.Render(fmt.Sprintf("Unknown peer: %s", peerID)))
		return
	}
	fmt.Fprintf(c.out, "Sent to %s.\n", peerID)
}

func (c *CLI) cmdCreate(rest string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		fmt.Fprintln(c.out, "Usage: /create <name> [max_members] [password]")
		return
	}
	name := fields[0]
	maxMembers := 0
	password := ""
	if len(fields) > 1 {
		fmt.Sscanf(fields[1], "%d", &maxMembers)
	}
	if len(fields) > 2 {
		password = strings.Join(fields[2:], " ")
	}

	r, err := c.rt.Rooms.CreateRoom(name, password, true, maxMembers)
	if err != nil {
		fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
		return
	}
	if err := c.rt.Rooms.AnnounceRoom(r.ID); err != nil {
		fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
		return
	}
	fmt.Fprintf(c.out, "Created and announced room %s (%s).\n", r.ID, r.Name)
}

func (c *CLI) cmdJoin(roomID string) {
	roomID = strings.TrimSpace(roomID)
	r, ok := c.rt.Rooms.GetRoom(roomID)
	password := ""
	if ok && r.Locked {
		password = c.promptPassword(roomID)
	}
	if err := c.rt.Rooms.JoinRoom(roomID, password); err != nil {
		fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
		return
	}
	fmt.Fprintf(c.out, "Join request sent for %s.\n", roomID)
}

func (c *CLI) promptPassword(roomID string) string {
	fmt.Fprintf(c.out, "Password for %s: ", roomID)
	if c.readPW != nil {
		pw, err := c.readPW()
		if err == nil {
			return pw
		}
	}
	line, _ := c.readLine()
	return line
}

func (c *CLI) cmdLeave(roomID string) {
	if err := c.rt.Rooms.LeaveRoom(strings.TrimSpace(roomID)); err != nil {
		fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
		return
	}
	fmt.Fprintf(c.out, "Left %s.\n", roomID)
}

func (c *CLI) cmdKick(rest string) {
	roomID, memberID, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Fprintln(c.out, "Usage: /kick <room_id> <peer_id>")
		return
	}
	if err := c.rt.Rooms.KickMember(roomID, memberID); err != nil {
		fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
		return
	}
	fmt.Fprintf(c.out, "Kicked %s from %s.\n", memberID, roomID)
}

func (c *CLI) cmdRoomSend(rest string) {
	roomID, msg, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Fprintln(c.out, "Usage: /roomsend <room_id> <message>")
		return
	}
	n, err := c.rt.Rooms.SendRoomMessage(roomID, msg)
	if err != nil {
		fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
		return
	}
	fmt.Fprintf(c.out, "Sent to %d member(s) of %s.\n", n, roomID)
}

// FormatEvent renders a room.Event for display, e.g. by a subscriber
// registered via runtime.Runtime.OnRoomEvent.
func FormatEvent(ev room.Event) string {
	switch ev.Type {
	case "room_discovered":
		return fmt.Sprintf("[room %s] discovered", ev.RoomID)
	case "room_joined":
		return fmt.Sprintf("[room %s] joined", ev.RoomID)
	case "room_join_denied":
		return fmt.Sprintf("[room %s] join denied: %s", ev.RoomID, ev.Reason)
	case "room_kicked":
		return fmt.Sprintf("[room %s] you were kicked", ev.RoomID)
	default:
		return fmt.Sprintf("[room %s] %s", ev.RoomID, ev.Type)
	}
}

// FormatMessage renders a runtime.MessageEvent for display.
func FormatMessage(ev runtime.MessageEvent) string {
	return fmt.Sprintf("%s> %s", ev.SenderID, ev.Text)
}
