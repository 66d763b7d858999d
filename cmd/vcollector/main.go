/*
 * Copyright 2025 VelocityCollector Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/velocitynet/vcollector/buildinfo"
	"github.com/velocitynet/vcollector/common"
	"github.com/velocitynet/vcollector/config"
	"github.com/velocitynet/vcollector/dcim"
	"github.com/velocitynet/vcollector/discovery"
	"github.com/velocitynet/vcollector/jobs"
	"github.com/velocitynet/vcollector/logger"
	"github.com/velocitynet/vcollector/pool"
	"github.com/velocitynet/vcollector/ssh"
	"github.com/velocitynet/vcollector/tfsm"
	vcvault "github.com/velocitynet/vcollector/vault"
)

const (
	app              = "vcollector"
	EnvVaultPassword = "VC_VAULT_PASSWORD"
)

var (
	a        = kingpin.New(app, "concurrent ssh collection engine for network devices")
	cfgFile  = a.Flag("config", "YAML config file").Default("").Envar("VC_CONFIG").String()
	dataDir  = a.Flag("data-dir", "directory holding databases, jobs and collections").Default(".").Envar("VC_DATA_DIR").String()
	logLevel = a.Flag("log.level", "log level verbosity").PlaceHolder("[debug|info|warn|error]").Default("info").Envar("VC_LOG_LEVEL").String()
	logPath  = a.Flag("log.file-path", "directory path where log files are written").Default("").Envar("VC_LOG_FILE_PATH").String()
	vaultPw  = a.Flag("vault.password", "vault master password").Default("").Envar(EnvVaultPassword).String()

	versionCmd = a.Command("version", "print build information")

	vaultCmd  = a.Command("vault", "manage the credential vault")
	vaultInit = vaultCmd.Command("init", "initialize a new vault")

	vaultAdd           = vaultCmd.Command("add", "add a credential")
	vaultAddName       = vaultAdd.Arg("name", "unique credential name").Required().String()
	vaultAddUser       = vaultAdd.Flag("username", "ssh username").Required().String()
	vaultAddPassword   = vaultAdd.Flag("password", "ssh password").Default("").String()
	vaultAddKeyFile    = vaultAdd.Flag("key-file", "private key PEM file").Default("").String()
	vaultAddPassphrase = vaultAdd.Flag("passphrase", "private key passphrase").Default("").String()
	vaultAddDefault    = vaultAdd.Flag("default", "make this the default credential").Bool()

	vaultRemove     = vaultCmd.Command("remove", "remove a credential")
	vaultRemoveName = vaultRemove.Arg("name", "credential name").Required().String()

	vaultList = vaultCmd.Command("list", "list credentials")

	vaultSetDefault     = vaultCmd.Command("set-default", "mark a credential as the default")
	vaultSetDefaultName = vaultSetDefault.Arg("name", "credential name").Required().String()

	vaultRotate      = vaultCmd.Command("change-password", "re-encrypt the vault under a new master password")
	vaultRotateNewPw = vaultRotate.Flag("new-password", "new master password (prompted when omitted)").Default("").String()

	runCmd    = a.Command("run", "run a collection job")
	runJob    = runCmd.Arg("job", "job slug, numeric id, or YAML file path").Required().String()
	runLimit  = runCmd.Flag("limit", "cap the number of devices").Default("0").Int()
	runDryRun = runCmd.Flag("dry-run", "resolve devices and credentials without connecting").Bool()

	batchCmd         = a.Command("batch", "run multiple jobs in parallel")
	batchJobs        = batchCmd.Arg("jobs", "job slugs, ids, or YAML file paths").Strings()
	batchAll         = batchCmd.Flag("all", "run every enabled database job").Bool()
	batchConcurrency = batchCmd.Flag("concurrency", "jobs run at once").Default("3").Int()
	batchLimit       = batchCmd.Flag("limit", "cap the number of devices per job").Default("0").Int()

	discoverCmd         = a.Command("discover", "find a working credential for each device")
	discoverCreds       = discoverCmd.Flag("credential", "candidate credential name, in priority order (repeatable; default: all)").Strings()
	discoverSiteID      = discoverCmd.Flag("site-id", "restrict to one site").Default("0").Int64()
	discoverPattern     = discoverCmd.Flag("name-pattern", "device name LIKE pattern").Default("").String()
	discoverLimit       = discoverCmd.Flag("limit", "cap the number of devices").Default("0").Int()
	discoverWorkers     = discoverCmd.Flag("workers", "devices probed at once").Default("10").Int()
	discoverSkipConf    = discoverCmd.Flag("skip-configured", "skip devices that already have a credential").Bool()
	discoverSkipRecent  = discoverCmd.Flag("skip-recent", "skip devices tested within --recent-hours").Bool()
	discoverRecentHours = discoverCmd.Flag("recent-hours", "recency window for --skip-recent").Default("24").Int()
	discoverUpdate      = discoverCmd.Flag("update", "write matches back to the inventory").Bool()
	discoverLegacy      = discoverCmd.Flag("legacy", "offer legacy kex/cipher algorithms first").Bool()

	devicesCmd     = a.Command("devices", "inspect the device inventory")
	devicesList    = devicesCmd.Command("list", "list devices")
	devicesSiteID  = devicesList.Flag("site-id", "restrict to one site").Default("0").Int64()
	devicesPattern = devicesList.Flag("name-pattern", "device name LIKE pattern").Default("").String()
	devicesStatus  = devicesList.Flag("status", "device status").Default("").String()
	devicesLimit   = devicesList.Flag("limit", "cap the number of devices").Default("0").Int()

	devicesCoverage = devicesCmd.Command("coverage", "summarize credential test outcomes")

	historyCmd   = a.Command("history", "show recent run history")
	historyJobID = historyCmd.Flag("job-id", "restrict to one job").Default("0").Int64()
	historyLimit = historyCmd.Flag("limit", "rows to show").Default("20").Int()
)

func main() {
	a.HelpFlag.Short('h')
	command := kingpin.MustParse(a.Parse(os.Args[1:]))

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	logger.Initialize(app, hostname, *logPath)
	logger.SetLevel(*logLevel)
	defer logger.Flush()

	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case versionCmd.FullCommand():
		err = buildinfo.Print(os.Stdout)
	case vaultInit.FullCommand():
		err = doVaultInit(cfg)
	case vaultAdd.FullCommand():
		err = doVaultAdd(cfg)
	case vaultRemove.FullCommand():
		err = withUnlockedVault(cfg, func(v *vcvault.Vault) error {
			return v.Remove(*vaultRemoveName)
		})
	case vaultList.FullCommand():
		err = doVaultList(cfg)
	case vaultSetDefault.FullCommand():
		err = withUnlockedVault(cfg, func(v *vcvault.Vault) error {
			return v.SetDefault(*vaultSetDefaultName)
		})
	case vaultRotate.FullCommand():
		err = doVaultRotate(cfg)
	case runCmd.FullCommand():
		err = doRun(ctx, cfg)
	case batchCmd.FullCommand():
		err = doBatch(ctx, cfg)
	case discoverCmd.FullCommand():
		err = doDiscover(ctx, cfg)
	case devicesList.FullCommand():
		err = doDevicesList(cfg)
	case devicesCoverage.FullCommand():
		err = doDevicesCoverage(cfg)
	case historyCmd.FullCommand():
		err = doHistory(cfg)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", app, err)
	logger.Flush()
	os.Exit(1)
}

func loadConfig() (*config.Config, error) {
	if *cfgFile != "" {
		c, err := config.LoadFile(*cfgFile)
		if err != nil {
			return nil, err
		}
		config.NewConfig(c)
		return c, nil
	}
	c := config.Defaults(*dataDir)
	config.NewConfig(c)
	return c, nil
}

// masterPassword resolves the vault password from the flag/envar or an
// interactive prompt.
func masterPassword(prompt string) (string, error) {
	if *vaultPw != "" {
		return *vaultPw, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("vault password required: set %s or --vault.password", EnvVaultPassword)
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}

func openVault(cfg *config.Config) (*vcvault.Vault, error) {
	return vcvault.Open(cfg.VaultDB)
}

func unlockedVault(cfg *config.Config) (*vcvault.Vault, error) {
	v, err := openVault(cfg)
	if err != nil {
		return nil, err
	}
	pw, err := masterPassword("Vault password")
	if err != nil {
		return nil, err
	}
	ok, err := v.Unlock(pw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("invalid vault password")
	}
	return v, nil
}

func withUnlockedVault(cfg *config.Config, fn func(*vcvault.Vault) error) error {
	v, err := unlockedVault(cfg)
	if err != nil {
		return err
	}
	defer v.Lock()
	return fn(v)
}

func doVaultInit(cfg *config.Config) error {
	v, err := openVault(cfg)
	if err != nil {
		return err
	}
	pw, err := masterPassword("New vault password")
	if err != nil {
		return err
	}
	if err := v.Initialize(pw); err != nil {
		return err
	}
	defer v.Lock()
	fmt.Printf("vault initialized at %s\n", cfg.VaultDB)
	return nil
}

func doVaultAdd(cfg *config.Config) error {
	creds := common.SSHCredentials{
		Username:      *vaultAddUser,
		Password:      *vaultAddPassword,
		KeyPassphrase: *vaultAddPassphrase,
	}
	if *vaultAddKeyFile != "" {
		pem, err := os.ReadFile(*vaultAddKeyFile)
		if err != nil {
			return fmt.Errorf("reading key file: %w", err)
		}
		creds.KeyPEM = string(pem)
	}
	return withUnlockedVault(cfg, func(v *vcvault.Vault) error {
		if err := v.Add(*vaultAddName, creds, *vaultAddDefault); err != nil {
			return err
		}
		fmt.Printf("credential %q added\n", *vaultAddName)
		return nil
	})
}

func doVaultList(cfg *config.Config) error {
	return withUnlockedVault(cfg, func(v *vcvault.Vault) error {
		infos, err := v.List()
		if err != nil {
			return err
		}
		for _, info := range infos {
			secrets := []string{}
			if info.HasPassword {
				secrets = append(secrets, "password")
			}
			if info.HasKey {
				secrets = append(secrets, "key")
			}
			marker := " "
			if info.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %-20s user=%-12s [%s]\n",
				marker, info.Name, info.Username, strings.Join(secrets, ","))
		}
		return nil
	})
}

func doVaultRotate(cfg *config.Config) error {
	v, err := openVault(cfg)
	if err != nil {
		return err
	}
	oldPw, err := masterPassword("Current vault password")
	if err != nil {
		return err
	}
	newPw := *vaultRotateNewPw
	if newPw == "" {
		fmt.Fprint(os.Stderr, "New vault password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		newPw = string(raw)
	}
	if err := v.ChangePassword(oldPw, newPw); err != nil {
		return err
	}
	defer v.Lock()
	fmt.Println("vault password changed")
	return nil
}

func newRunner(cfg *config.Config, v *vcvault.Vault) (*jobs.Runner, error) {
	repo, err := dcim.Open(cfg.InventoryDB)
	if err != nil {
		return nil, err
	}
	store, err := tfsm.Open(cfg.TemplateDB)
	if err != nil {
		return nil, err
	}
	return &jobs.Runner{
		Inventory: repo,
		Vault:     v,
		Engine:    tfsm.NewEngine(store),
		SSH:       ssh.Driver{},
		BasePath:  cfg.CollectionsDir,
	}, nil
}

// parseJobRef turns a CLI job argument into a ref: an existing path or
// .yaml/.yml suffix means file, digits mean database id, anything else
// is a slug.
func parseJobRef(s string) jobs.JobRef {
	if strings.HasSuffix(s, ".yaml") || strings.HasSuffix(s, ".yml") {
		return jobs.JobRef{File: s}
	}
	if _, err := os.Stat(s); err == nil {
		return jobs.JobRef{File: s}
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return jobs.JobRef{ID: id}
	}
	return jobs.JobRef{Slug: s}
}

func doRun(ctx context.Context, cfg *config.Config) error {
	v, err := unlockedVault(cfg)
	if err != nil {
		return err
	}
	defer v.Lock()

	runner, err := newRunner(cfg, v)
	if err != nil {
		return err
	}

	res, err := runner.Run(ctx, parseJobRef(*runJob),
		jobs.RunOptions{Limit: *runLimit, DryRun: *runDryRun},
		func(completed, total int, r pool.Result) {
			status := "ok"
			if !r.Success {
				status = string(r.Category)
			}
			fmt.Printf("[%d/%d] %-30s %s\n", completed, total, r.DeviceName, status)
		})
	if err != nil {
		return err
	}

	printJobResult(res)
	if res.Status == dcim.RunStatusFailed || res.FailedCount > 0 {
		os.Exit(1)
	}
	return nil
}

func printJobResult(res jobs.JobResult) {
	fmt.Printf("\njob %s run %s: %s in %s\n",
		res.JobID, res.RunID, res.Status, res.Elapsed.Round(time.Millisecond))
	fmt.Printf("  success=%d failed=%d skipped=%d captures=%d\n",
		res.SuccessCount, res.FailedCount, res.SkippedCount, len(res.SavedFiles))
	for _, e := range res.DeviceErrors {
		fmt.Printf("  failed %s (%s): [%s] %s\n", e.Device, e.Host, e.Category, e.Message)
	}
	for _, f := range res.ValidationFailures {
		fmt.Printf("  low score %s: %.1f (template %s)\n", f.Device, f.Score, f.Template)
	}
}

func doBatch(ctx context.Context, cfg *config.Config) error {
	v, err := unlockedVault(cfg)
	if err != nil {
		return err
	}
	defer v.Lock()

	runner, err := newRunner(cfg, v)
	if err != nil {
		return err
	}

	var refs []jobs.JobRef
	for _, s := range *batchJobs {
		refs = append(refs, parseJobRef(s))
	}
	if *batchAll {
		enabled, err := runner.Inventory.Jobs("", true)
		if err != nil {
			return err
		}
		for _, j := range enabled {
			refs = append(refs, jobs.JobRef{ID: j.ID})
		}
	}
	if len(refs) == 0 {
		return fmt.Errorf("no jobs given: pass job arguments or --all")
	}

	batch := &jobs.Batch{Runner: runner, Concurrency: *batchConcurrency}
	agg, err := batch.Run(ctx, refs, jobs.RunOptions{Limit: *batchLimit})
	if err != nil {
		return err
	}

	for _, res := range agg.Results {
		printJobResult(res)
	}
	fmt.Printf("\nbatch: jobs %d/%d succeeded, devices success=%d failed=%d skipped=%d, %d captures in %s\n",
		agg.JobsSucceeded, agg.JobsTotal,
		agg.DevicesSuccess, agg.DevicesFailed, agg.DevicesSkipped,
		agg.CapturesWritten, agg.Elapsed.Round(time.Millisecond))
	if agg.JobsFailed > 0 || agg.DevicesFailed > 0 {
		os.Exit(1)
	}
	return nil
}

func doDiscover(ctx context.Context, cfg *config.Config) error {
	v, err := unlockedVault(cfg)
	if err != nil {
		return err
	}
	defer v.Lock()

	repo, err := dcim.Open(cfg.InventoryDB)
	if err != nil {
		return err
	}

	filter := dcim.DeviceFilter{NamePattern: *discoverPattern, Limit: *discoverLimit}
	if *discoverSiteID > 0 {
		filter.SiteID = discoverSiteID
	}
	devices, err := repo.Devices(filter)
	if err != nil {
		return err
	}

	disc := &discovery.Discoverer{Inventory: repo, Vault: v, SSH: ssh.Driver{}}
	_, summary, err := disc.Discover(ctx, devices, *discoverCreds, discovery.Options{
		Concurrency:        *discoverWorkers,
		SkipConfigured:     *discoverSkipConf,
		SkipRecentlyTested: *discoverSkipRecent,
		RecentHours:        *discoverRecentHours,
		UpdateDevices:      *discoverUpdate,
		LegacyMode:         *discoverLegacy,
	}, func(completed, total int, r discovery.Result) {
		switch r.Outcome {
		case discovery.OutcomeMatched:
			fmt.Printf("[%d/%d] %-30s matched %s\n", completed, total, r.DeviceName, r.CredentialName)
		case discovery.OutcomeSkipped:
			fmt.Printf("[%d/%d] %-30s skipped: %s\n", completed, total, r.DeviceName, r.SkipReason)
		default:
			fmt.Printf("[%d/%d] %-30s no match: [%s] %s\n", completed, total, r.DeviceName, r.Category, r.Err)
		}
	})
	if err != nil {
		return err
	}

	fmt.Printf("\ndiscovery: %d matched, %d no-match, %d skipped of %d in %s\n",
		summary.Matched, summary.NoMatch, summary.Skipped, summary.Total,
		summary.Elapsed.Round(time.Millisecond))
	zap.L().Info("discovery sweep complete",
		zap.Int("matched", summary.Matched),
		zap.Int("no_match", summary.NoMatch),
		zap.Int("skipped", summary.Skipped))
	if summary.NoMatch > 0 {
		os.Exit(1)
	}
	return nil
}

func doDevicesList(cfg *config.Config) error {
	repo, err := dcim.Open(cfg.InventoryDB)
	if err != nil {
		return err
	}

	filter := dcim.DeviceFilter{
		NamePattern: *devicesPattern,
		Status:      *devicesStatus,
		Limit:       *devicesLimit,
	}
	if *devicesSiteID > 0 {
		filter.SiteID = devicesSiteID
	}
	devices, err := repo.Devices(filter)
	if err != nil {
		return err
	}

	for _, d := range devices {
		cred := "-"
		if d.CredentialID != nil {
			cred = fmt.Sprintf("cred:%d (%s)", *d.CredentialID, d.CredentialTestResult)
		}
		fmt.Printf("%-6d %-30s %-16s %-14s %s\n",
			d.ID, d.Name, d.PrimaryIP4, d.PlatformTag(), cred)
	}
	fmt.Printf("%d devices\n", len(devices))
	return nil
}

func doDevicesCoverage(cfg *config.Config) error {
	repo, err := dcim.Open(cfg.InventoryDB)
	if err != nil {
		return err
	}
	c, err := repo.Coverage()
	if err != nil {
		return err
	}
	fmt.Printf("devices: %d total, %d with a credential\n", c.Total, c.Configured)
	fmt.Printf("tests:   %d success, %d failed, %d untested\n", c.Success, c.Failed, c.Untested)
	return nil
}

func doHistory(cfg *config.Config) error {
	repo, err := dcim.Open(cfg.InventoryDB)
	if err != nil {
		return err
	}

	var jobID *int64
	if *historyJobID > 0 {
		jobID = historyJobID
	}
	rows, err := repo.History(jobID, *historyLimit)
	if err != nil {
		return err
	}

	for _, h := range rows {
		completed := "-"
		if h.CompletedAt != nil {
			completed = h.CompletedAt.Format(time.RFC3339)
		}
		fmt.Printf("%-6d %s  %-8s total=%d success=%d failed=%d %s\n",
			h.ID, h.StartedAt.Format(time.RFC3339), h.Status,
			h.TotalDevices, h.SuccessCount, h.FailedCount, completed)
	}
	return nil
}
