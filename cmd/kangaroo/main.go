package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/PatatasFritas/FriedKangaroo/internal/api"
	"github.com/PatatasFritas/FriedKangaroo/internal/client"
	"github.com/PatatasFritas/FriedKangaroo/internal/db"
	"github.com/PatatasFritas/FriedKangaroo/internal/gpu"
	"github.com/PatatasFritas/FriedKangaroo/internal/kangaroo"
	"github.com/PatatasFritas/FriedKangaroo/internal/netproto"
	"github.com/PatatasFritas/FriedKangaroo/internal/server"
	"github.com/PatatasFritas/FriedKangaroo/pkg/models"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

// Exit codes: 0 success, 1 user error, 2 I/O error, 3 protocol mismatch.
const (
	exitUser     = 1
	exitIO       = 2
	exitProtocol = 3
)

func main() {
	myApp := cli.NewApp()
	myApp.Name = "kangaroo"
	myApp.Usage = "secp256k1 interval discrete-log solver (parallel kangaroo with distinguished points)"
	myApp.Version = VERSION

	workFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "w",
			Usage: "work file path for periodic checkpoints",
		},
		cli.StringFlag{
			Name:  "i",
			Usage: "load work file before starting",
		},
		cli.BoolFlag{
			Name:  "wsplit",
			Usage: "timestamp-suffix every save and reset the table afterwards",
		},
		cli.IntFlag{
			Name:  "wi",
			Value: 600,
			Usage: "checkpoint period in seconds",
		},
		cli.BoolFlag{
			Name:  "ws",
			Usage: "save kangaroo state into work files",
		},
		cli.IntFlag{
			Name:  "wtimeout",
			Value: 3000,
			Usage: "max milliseconds to wait for walkers to park before a save is skipped",
		},
	}
	walkFlags := []cli.Flag{
		cli.IntFlag{
			Name:  "d",
			Value: -1,
			Usage: "force distinguished point size in bits (default: auto)",
		},
		cli.IntFlag{
			Name:  "t",
			Value: runtime.NumCPU(),
			Usage: "CPU thread count",
		},
		cli.BoolFlag{
			Name:  "sym",
			Usage: "exploit the y-axis symmetry (halves the effective interval)",
		},
		cli.BoolFlag{
			Name:  "gpu",
			Usage: "enable GPU herds (requires a cuda build)",
		},
		cli.StringFlag{
			Name:  "g",
			Usage: "GPU kernel grid size as gridX,gridY",
		},
		cli.StringFlag{
			Name:  "gpuId",
			Value: "0",
			Usage: "comma separated list of GPU ids",
		},
	}

	myApp.Commands = []cli.Command{
		{
			Name:      "solve",
			Usage:     "run a local search from a config file",
			ArgsUsage: "<configFile>",
			Flags: append(append([]cli.Flag{}, workFlags...), append(walkFlags,
				cli.StringFlag{
					Name:  "o",
					Usage: "append the recovered key to this file",
				},
				cli.IntFlag{
					Name:  "api",
					Usage: "serve the monitoring API on this port",
				},
			)...),
			Action: cmdSolve,
		},
		{
			Name:  "server",
			Usage: "run the coordination server (owns the canonical DP table)",
			Flags: append(append([]cli.Flag{}, workFlags...),
				cli.IntFlag{
					Name:  "s",
					Value: 17403,
					Usage: "listen port",
				},
				cli.IntFlag{
					Name:  "d",
					Value: -1,
					Usage: "force distinguished point size in bits (default: auto)",
				},
				cli.IntFlag{
					Name:  "ntimeout",
					Value: 30,
					Usage: "network timeout in seconds",
				},
				cli.IntFlag{
					Name:  "api",
					Usage: "serve the monitoring API on this port",
				},
			),
			ArgsUsage: "<configFile>",
			Action:    cmdServer,
		},
		{
			Name:  "client",
			Usage: "connect to a server and stream distinguished points",
			Flags: append(append([]cli.Flag{}, workFlags...), append(walkFlags,
				cli.StringFlag{
					Name:  "s",
					Value: "127.0.0.1:17403",
					Usage: "server address as ip:port",
				},
				cli.IntFlag{
					Name:  "ntimeout",
					Value: 30,
					Usage: "network timeout in seconds",
				},
			)...),
			Action: cmdClient,
		},
		{
			Name:      "merge",
			Usage:     "merge two work files",
			ArgsUsage: "<file1> <file2> <dest>",
			Action:    cmdMerge,
		},
		{
			Name:      "merge-dir",
			Usage:     "merge every work file in a directory",
			ArgsUsage: "<dir> <dest>",
			Action:    cmdMergeDir,
		},
		{
			Name:      "info",
			Usage:     "print a work file header and table statistics",
			ArgsUsage: "<file>",
			Action:    cmdInfo,
		},
		{
			Name:      "export",
			Usage:     "append a work file's records to tame.txt / wild.txt",
			ArgsUsage: "<file>",
			Action:    cmdExport,
		},
	}

	if err := myApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// checkGPU resolves the -gpu flags. Without a cuda build the request
// degrades to CPU herds with a warning, matching the offload contract.
func checkGPU(c *cli.Context) {
	if !c.Bool("gpu") {
		return
	}
	gridX, gridY := 0, 0
	if g := c.String("g"); g != "" {
		parts := strings.Split(g, ",")
		if len(parts) == 2 {
			gridX, _ = strconv.Atoi(parts[0])
			gridY, _ = strconv.Atoi(parts[1])
		}
	}
	for _, idStr := range strings.Split(c.String("gpuId"), ",") {
		id, err := strconv.Atoi(strings.TrimSpace(idStr))
		if err != nil {
			continue
		}
		if _, err := gpu.NewEngine(gpu.GridConfig{GPUID: id, GridX: gridX, GridY: gridY}); err != nil {
			if !errors.Is(err, gpu.ErrNoCUDA) {
				log.Printf("[GPU] %v", err)
			}
		}
	}
}

// openJournal connects the optional Postgres journal from DATABASE_URL.
func openJournal() *db.PostgresStore {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil
	}
	store, err := db.Connect(dbURL)
	if err != nil {
		log.Printf("Warning: failed to connect to PostgreSQL, continuing without the journal. Error: %v", err)
		return nil
	}
	if err := store.InitSchema(); err != nil {
		log.Printf("Warning: journal schema init failed: %v", err)
	}
	return store
}

// startAPI serves the monitoring API and progress websocket when a port
// is configured. Returns the hub (nil when disabled) and a stopper.
func startAPI(port int, src api.ProgressSource, saver api.Saver) (*api.Hub, func()) {
	if port == 0 {
		return nil, func() {}
	}
	hub := api.NewHub()
	go hub.Run()
	stop := make(chan struct{})
	go api.RunProgressBroadcaster(src, hub, stop)
	router := api.SetupRouter(src, saver, hub)
	go func() {
		if err := router.Run(fmt.Sprintf(":%d", port)); err != nil {
			log.Printf("[API] Server stopped: %v", err)
		}
	}()
	log.Printf("[API] Monitoring API on :%d", port)
	return hub, func() { close(stop) }
}

// wireObservers fans solver events out to the optional journal and the
// optional websocket hub.
func wireObservers(s *kangaroo.Solver, store *db.PostgresStore, hub *api.Hub) {
	s.OnSolved = func(res models.SolveResult) {
		if hub != nil {
			hub.BroadcastEvent("key_found", res)
		}
		if store != nil {
			if err := store.SaveSolvedKey(context.Background(), res); err != nil {
				log.Printf("[DB] Failed to record solved key: %v", err)
			}
		}
	}
	s.OnCheckpoint = func(cp models.CheckpointInfo) {
		if store != nil {
			if err := store.RecordCheckpoint(context.Background(), cp); err != nil {
				log.Printf("[DB] Failed to record checkpoint: %v", err)
			}
		}
	}
}

// solverSaver adapts the local solver's checkpoint to the API's save
// trigger.
type solverSaver struct {
	s *kangaroo.Solver
}

func (ss solverSaver) SaveServerWork() { ss.s.SaveWork() }

func onInterrupt(stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		log.Println("Interrupted, finishing current batch and checkpointing...")
		stop()
	}()
}

func cmdSolve(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("solve: expected <configFile>", exitUser)
	}
	start, end, key, err := kangaroo.ParseConfigFile(c.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err.Error(), exitIO)
	}

	checkGPU(c)

	solver, err := kangaroo.NewSolver(kangaroo.Params{
		RangeStart:    start,
		RangeEnd:      end,
		Key:           key,
		DPSize:        int32(c.Int("d")),
		NbCPUThread:   c.Int("t"),
		UseSymmetry:   c.Bool("sym"),
		WorkFile:      c.String("w"),
		InputFile:     c.String("i"),
		SavePeriod:    time.Duration(c.Int("wi")) * time.Second,
		SaveKangaroo:  c.Bool("ws"),
		SplitWorkfile: c.Bool("wsplit"),
		WTimeout:      time.Duration(c.Int("wtimeout")) * time.Millisecond,
		OutputFile:    c.String("o"),
	})
	if err != nil {
		return cli.NewExitError(err.Error(), exitUser)
	}

	store := openJournal()
	if store != nil {
		defer store.Close()
	}
	var saver api.Saver
	if c.String("w") != "" {
		saver = solverSaver{solver}
	}
	hub, stopAPI := startAPI(c.Int("api"), solver, saver)
	defer stopAPI()
	wireObservers(solver, store, hub)
	onInterrupt(solver.Stop)

	// A nil key means the run was interrupted before a collision; the
	// checkpoint carries the work, which still counts as success.
	if _, err := solver.Run(); err != nil {
		return cli.NewExitError(err.Error(), exitIO)
	}
	return nil
}

func cmdServer(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("server: expected <configFile>", exitUser)
	}
	start, end, key, err := kangaroo.ParseConfigFile(c.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err.Error(), exitIO)
	}

	solver, err := kangaroo.NewSolver(kangaroo.Params{
		RangeStart:    start,
		RangeEnd:      end,
		Key:           key,
		DPSize:        int32(c.Int("d")),
		WorkFile:      c.String("w"),
		SplitWorkfile: c.Bool("wsplit"),
		WTimeout:      time.Duration(c.Int("wtimeout")) * time.Millisecond,
	})
	if err != nil {
		return cli.NewExitError(err.Error(), exitUser)
	}
	// The server cannot see client herd sizes up front; size the DP
	// filter for a medium fleet when not forced.
	solver.SetDP(int32(c.Int("d")), 1<<18)
	if in := c.String("i"); in != "" {
		if err := solver.LoadWork(in); err != nil {
			return cli.NewExitError(err.Error(), exitIO)
		}
	}

	srv := server.New(solver, server.Params{
		Port:     c.Int("s"),
		NTimeout: time.Duration(c.Int("ntimeout")) * time.Second,
	})

	store := openJournal()
	if store != nil {
		defer store.Close()
	}
	hub, stopAPI := startAPI(c.Int("api"), srv, srv)
	defer stopAPI()
	wireObservers(solver, store, hub)
	onInterrupt(srv.Stop)

	if err := srv.Run(time.Duration(c.Int("wi")) * time.Second); err != nil {
		return cli.NewExitError(err.Error(), exitIO)
	}
	return nil
}

func cmdClient(c *cli.Context) error {
	checkGPU(c)

	cl := client.New(client.Params{
		ServerAddr:   c.String("s"),
		NbCPUThread:  c.Int("t"),
		GrpSize:      kangaroo.DefaultGrpSize,
		UseSymmetry:  c.Bool("sym"),
		NTimeout:     time.Duration(c.Int("ntimeout")) * time.Second,
		WorkFile:     c.String("w"),
		InputFile:    c.String("i"),
		SavePeriod:   time.Duration(c.Int("wi")) * time.Second,
		SaveKangaroo: c.Bool("ws"),
	})

	if _, err := cl.Run(); err != nil {
		if errors.Is(err, netproto.ErrProtocol) {
			return cli.NewExitError(err.Error(), exitProtocol)
		}
		return cli.NewExitError(err.Error(), exitIO)
	}
	return nil
}

func cmdMerge(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.NewExitError("merge: expected <file1> <file2> <dest>", exitUser)
	}
	_, err := kangaroo.MergeWork(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
	if err != nil {
		return cli.NewExitError(err.Error(), exitIO)
	}
	return nil
}

func cmdMergeDir(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("merge-dir: expected <dir> <dest>", exitUser)
	}
	_, err := kangaroo.MergeDir(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return cli.NewExitError(err.Error(), exitIO)
	}
	return nil
}

func cmdInfo(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("info: expected <file>", exitUser)
	}
	if err := kangaroo.WorkInfo(c.Args().Get(0)); err != nil {
		return cli.NewExitError(err.Error(), exitIO)
	}
	return nil
}

func cmdExport(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("export: expected <file>", exitUser)
	}
	if err := kangaroo.WorkExport(c.Args().Get(0)); err != nil {
		return cli.NewExitError(err.Error(), exitIO)
	}
	return nil
}
