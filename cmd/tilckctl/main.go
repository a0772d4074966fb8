// Command tilckctl boots the hosted kernel stack implemented in this
// module — the physical frame pool, a kernel address space, the scheduler,
// a mounted root ramfs (plus an optional read-only FAT32 image), and a
// terminal+TTY pair — and drives it with a line-oriented shell read from
// stdin. It exists because a kernel has no natural command-line entrypoint
// of its own; this is the "press power button" stand-in, grounded on
// ja7ad-consumption's cmd/consumption/main.go, the one repo in the example
// pack that is itself a CLI wrapping a "read the machine's state" library.
package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tilck-go/tilck/kernel"
	"github.com/tilck-go/tilck/kernel/mem"
	"github.com/tilck-go/tilck/kernel/mem/pmm/allocator"
	"github.com/tilck-go/tilck/kernel/mem/vmm"
	"github.com/tilck-go/tilck/kernel/sched"
	"github.com/tilck-go/tilck/kernel/term"
	"github.com/tilck-go/tilck/kernel/vfs"
	"github.com/tilck-go/tilck/kernel/vfs/fat32"
	"github.com/tilck-go/tilck/kernel/vfs/ramfs"
)

type opts struct {
	ramMB      int
	rows, cols int
	scrollback int
	fat32Image string
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "tilckctl",
		Short: "Boot the hosted kernel stack and drive it with a shell",
		Long: `tilckctl wires up the physical frame pool, scheduler, VFS mount tree
and terminal this module implements, then hands you a minimal shell over
the resulting root ramfs (and, if given, a mounted read-only FAT32 image).

Examples:
  tilckctl --ram 64 --rows 25 --cols 80
  tilckctl --fat32-image ./disk.img`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}

	root.Flags().IntVar(&o.ramMB, "ram", 64, "physical RAM size in megabytes")
	root.Flags().IntVar(&o.rows, "rows", 25, "terminal rows")
	root.Flags().IntVar(&o.cols, "cols", 80, "terminal columns")
	root.Flags().IntVar(&o.scrollback, "scrollback", 500, "scrollback depth in lines")
	root.Flags().StringVar(&o.fat32Image, "fat32-image", "", "path to a FAT32 disk image to mount read-only at /mnt")

	if err := root.Execute(); err != nil {
		kernel.Log.Error(err)
		os.Exit(1)
	}
}

// schedSignalSender adapts *sched.Scheduler to term.SignalSender, so a TTY's
// Ctrl+C handling can deliver into the real signal-queueing path
// (sched.DeliverToGroup) without the term package ever importing sched.
type schedSignalSender struct {
	s    *sched.Scheduler
	pgid int
}

func (a *schedSignalSender) SendToForegroundGroup(sig int) {
	a.s.DeliverToGroup(a.pgid, sig)
}

func run(o opts) error {
	ramBytes := mem.Size(o.ramMB) * mem.Mb

	alloc, errno := allocator.New(ramBytes, nil)
	if errno != nil {
		return fmt.Errorf("frame allocator: %s", errno.Message)
	}

	kernelAS := vmm.NewAddressSpace(alloc)

	scheduler := sched.New()
	initProc := &sched.Process{PID: 1, ParentPID: 0, PGID: 1, SID: 1, AddressSpace: kernelAS, CWD: "/"}
	initTask := &sched.Task{TID: 1, Proc: initProc, State: sched.TaskStateRunnable, IsMainThread: true}
	initProc.Tasks = append(initProc.Tasks, initTask)
	scheduler.AddTask(initTask)

	mounts := vfs.NewMountTree()
	mounts.Mount("/", ramfs.NewFilesystem(alloc))

	if o.fat32Image != "" {
		img, err := os.ReadFile(o.fat32Image)
		if err != nil {
			return fmt.Errorf("read fat32 image: %w", err)
		}
		fatFS, errno := fat32.Mount(img, len(img)%int(mem.PageSize) == 0)
		if errno != nil {
			return fmt.Errorf("mount fat32 image: %s", errno.Message)
		}
		mounts.Mount("/mnt", fatFS)
	}

	disp := term.NewMemoryDisplay(uint16(o.cols), uint16(o.rows))
	screen := term.NewTerminal(disp, uint16(o.cols), uint16(o.rows), o.scrollback)

	sender := &schedSignalSender{s: scheduler, pgid: initProc.PGID}
	tty := term.NewTTY(screen, sender)
	tty.SetForegroundGroup(initProc.PGID)
	tty.SetControllingTerminal(initProc.SID)

	kernel.Log.WithFields(logFields(o)).Info("kernel stack booted")
	fmt.Printf("tilckctl: %dMB RAM, %dx%d terminal, root ramfs mounted\n", o.ramMB, o.cols, o.rows)
	if o.fat32Image != "" {
		fmt.Printf("tilckctl: %s mounted read-only at /mnt\n", o.fat32Image)
	}
	fmt.Println(`type "help" for commands, "exit" to quit`)

	shell(mounts, tty, screen, initTask)
	return nil
}

func logFields(o opts) map[string]interface{} {
	return map[string]interface{}{"ram_mb": o.ramMB, "rows": o.rows, "cols": o.cols}
}

// shell reads lines from stdin, feeds them through the TTY line discipline
// (so echo, erase and kill-line behave the way a real controlling terminal
// would), and dispatches whatever comes out the other end as a command.
func shell(mounts *vfs.MountTree, tty *term.TTY, screen *term.Terminal, initTask *sched.Task) {
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("$ ")
		if !in.Scan() {
			return
		}
		tty.Input([]byte(in.Text() + "\n"))
		for tty.ReadReady() {
			line, ok := tty.ReadLine()
			if !ok || line == nil {
				return
			}
			cmd := strings.TrimRight(string(line), "\n")
			if cmd == "" {
				continue
			}
			if !dispatch(cmd, mounts, screen, initTask) {
				return
			}
		}
	}
}

func dispatch(cmd string, mounts *vfs.MountTree, screen *term.Terminal, initTask *sched.Task) bool {
	fields := strings.Fields(cmd)
	switch fields[0] {
	case "exit", "quit":
		return false
	case "help":
		fmt.Println("commands: ls [path], cat <path>, cursor, mmap <path> <vaddr-hex>, poke <vaddr-hex>, exit")
	case "ls":
		path := "/"
		if len(fields) > 1 {
			path = fields[1]
		}
		runLs(mounts, path)
	case "cat":
		if len(fields) < 2 {
			fmt.Println("usage: cat <path>")
			break
		}
		runCat(mounts, fields[1])
	case "cursor":
		col, row := screen.CursorPosition()
		fmt.Printf("terminal cursor at col=%d row=%d\n", col, row)
	case "mmap":
		if len(fields) < 3 {
			fmt.Println("usage: mmap <path> <vaddr-hex>")
			break
		}
		runMmap(mounts, initTask, fields[1], fields[2])
	case "poke":
		if len(fields) < 2 {
			fmt.Println("usage: poke <vaddr-hex>")
			break
		}
		runPoke(initTask, fields[1])
	default:
		fmt.Printf("unknown command: %s\n", fields[0])
	}
	return true
}

// runMmap maps path's first page MAP_SHARED|PROT_READ|PROT_WRITE at vaddr
// and registers the resulting user_mapping against initTask's process, the
// same pairing sched.Task.PageFault consults (spec.md §4.2 step 2).
func runMmap(mounts *vfs.MountTree, initTask *sched.Task, path, vaddrHex string) {
	node, errno := mounts.Resolve(path)
	if errno != nil {
		fmt.Printf("mmap: %s: %s\n", path, errno.Message)
		return
	}
	file, ok := node.(*ramfs.Inode)
	if !ok {
		fmt.Printf("mmap: %s: mmap is only supported on ramfs files\n", path)
		return
	}

	vaddr, err := strconv.ParseUint(strings.TrimPrefix(vaddrHex, "0x"), 16, 64)
	if err != nil {
		fmt.Printf("mmap: invalid vaddr %q\n", vaddrHex)
		return
	}

	as := initTask.Proc.AddressSpace
	um := &vfs.UserMapping{
		Vaddr:      uintptr(vaddr),
		Length:     uintptr(mem.PageSize),
		FileOffset: 0,
		Prot:       vfs.ProtRead | vfs.ProtWrite,
	}
	if errno := file.Mmap(as, um); errno != nil {
		fmt.Printf("mmap: %s: %s\n", path, errno.Message)
		return
	}
	initTask.Proc.AddMapping(um, &ramfs.FaultAdapter{Inode: file, AS: as})
	fmt.Printf("mmap: %s mapped at 0x%x\n", path, vaddr)
}

// runPoke simulates a write fault at vaddr going through the real three-step
// dispatch (AddressSpace.HandleCOWFault -> vfs.HandleFault -> signal) that
// sched.Task.PageFault implements for spec.md §4.2.
func runPoke(initTask *sched.Task, vaddrHex string) {
	vaddr, err := strconv.ParseUint(strings.TrimPrefix(vaddrHex, "0x"), 16, 64)
	if err != nil {
		fmt.Printf("poke: invalid vaddr %q\n", vaddrHex)
		return
	}

	before := len(initTask.PendingSignals)
	initTask.PageFault(uintptr(vaddr), false, true)
	if len(initTask.PendingSignals) > before {
		sig := initTask.PendingSignals[len(initTask.PendingSignals)-1]
		fmt.Printf("poke: fault at 0x%x delivered signal %d\n", vaddr, sig.Num)
		return
	}
	fmt.Printf("poke: fault at 0x%x resolved\n", vaddr)
}

func runLs(mounts *vfs.MountTree, path string) {
	node, errno := mounts.Resolve(path)
	if errno != nil {
		fmt.Printf("ls: %s: %s\n", path, errno.Message)
		return
	}
	if node.Type() != vfs.EntryDir {
		fmt.Println(path)
		return
	}

	const lsBufSize = 4096

	var names []string
	after := 0
	for {
		ents, errno := node.GetDents(after, lsBufSize)
		if errno != nil {
			fmt.Printf("ls: %s: %s\n", path, errno.Message)
			return
		}
		if len(ents) == 0 {
			break
		}
		for _, e := range ents {
			names = append(names, e.Name)
		}
		after += len(ents)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Println(n)
	}
}

func runCat(mounts *vfs.MountTree, path string) {
	node, errno := mounts.Resolve(path)
	if errno != nil {
		fmt.Printf("cat: %s: %s\n", path, errno.Message)
		return
	}

	buf := make([]byte, 4096)
	var pos int64
	for {
		n, errno := node.Read(pos, buf)
		if errno != nil {
			fmt.Printf("cat: %s: %s\n", path, errno.Message)
			return
		}
		if n == 0 {
			break
		}
		os.Stdout.Write(buf[:n])
		pos += int64(n)
	}
}
