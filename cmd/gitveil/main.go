package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"gitveil/internal/app"
	"gitveil/internal/config"
	"gitveil/internal/gitrepo"
	"gitveil/internal/keys"
	"gitveil/internal/mapping"
	"gitveil/internal/model"
	"gitveil/internal/veil"
)

// logDateFormat matches the listing format of the original tooling.
const logDateFormat = "02.01.2006 15:04:05 -0700"

func main() {
	err := rootCmd.Execute()
	code := app.ExitCode(err)
	if err != nil {
		switch code {
		case app.ExitNothingToDo, app.ExitRefused:
			fmt.Fprintln(os.Stderr, err)
		default:
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	os.Exit(code)
}

// newApp wires the engine for the repository containing the working
// directory. The caller must defer a.Close().
func newApp(operation string) (*app.App, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	return app.New(wd, operation)
}

var rootCmd = &cobra.Command{
	Use:           "gitveil",
	Short:         "Redact timestamps and emails from git history",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// init command

var initEnableCheck bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Configure this repository and install hooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		repo, err := gitrepo.Discover(wd)
		if err != nil {
			return err
		}
		cfgPath := config.Path(repo.StateDir())
		if _, err := config.Init(cfgPath); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", cfgPath)

		installHook(repo, "post-commit", postCommitHook)
		installHook(repo, "pre-push", prePushHook)
		if initEnableCheck {
			installHook(repo, "pre-commit", preCommitHook)
		}
		return nil
	},
}

const postCommitHook = `#!/bin/sh
# installed by gitveil
[ -n "$GITVEIL_ACTIVE" ] && exit 0
gitveil redate --only-head
status=$?
[ $status -eq 0 ] || [ $status -eq 3 ] && exit 0
echo "gitveil: redacting the new commit failed (status $status)" >&2
exit $status
`

const prePushHook = `#!/bin/sh
# installed by gitveil
exec gitveil pre-push "$1" "$2"
`

const preCommitHook = `#!/bin/sh
# installed by gitveil
exec gitveil check
`

// installHook writes the hook script, refusing to clobber an existing one
// and printing the snippet to append instead.
func installHook(repo *gitrepo.GitRepository, name, content string) {
	path := filepath.Join(repo.GitDir(), "hooks", name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o755)
	if err != nil {
		if os.IsExist(err) {
			fmt.Fprintf(os.Stderr, "Hook already exists at %s\n", path)
			fmt.Fprintf(os.Stderr, "Add the following to the existing hook:\n\n%s\n", content)
			return
		}
		fmt.Fprintf(os.Stderr, "Installing %s hook: %v\n", name, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		fmt.Fprintf(os.Stderr, "Installing %s hook: %v\n", name, err)
		return
	}
	fmt.Printf("Installed %s hook\n", name)
}

// log command

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show history with decoded original timestamps",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Log")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Service.History()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("commit %s\n", e.Commit.ID)
			fmt.Printf("Author:\t\t%s\n", e.Commit.Author.Actor)
			fmt.Printf("Date:\t\t%s\n", e.Commit.Author.When.Format(logDateFormat))
			if e.HasReal {
				fmt.Printf("RealDate:\t%s\n", e.RealAuthor.Format(logDateFormat))
			} else if e.DecryptErr != nil {
				fmt.Printf("RealDate:\t(%v)\n", e.DecryptErr)
			}
			fmt.Printf("\n    %s\n", e.Commit.Message)
		}
		return nil
	},
}

// redate command

var (
	redateOnlyHead bool
	redateForce    bool
)

var redateCmd = &cobra.Command{
	Use:   "redate [base-rev]",
	Short: "Redact timestamps of existing commits",
	Long: "Redact timestamps of all commits reachable from HEAD but not from\n" +
		"base-rev. Without base-rev the whole history is redated.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Getenv(gitrepo.ActiveEnv) != "" {
			// Re-entered from a hook during our own rewrite.
			return nil
		}
		a, err := newApp("Redate")
		if err != nil {
			return err
		}
		defer a.Close()

		if redateOnlyHead {
			return a.Service.RedactHead(redateForce)
		}

		base := model.ZeroHash
		if len(args) == 1 {
			base, err = a.Repo.ResolveRev(args[0])
			if err != nil {
				return err
			}
		}
		n, err := a.Service.Redate(base, redateForce)
		if err != nil {
			var published *veil.PublishedHistoryError
			if errors.As(err, &published) {
				fmt.Fprintln(os.Stderr, "Some commits in the range are already pushed; rerun with --force to rewrite them anyway.")
			}
			return err
		}
		fmt.Printf("Redated %d commits\n", n)
		return nil
	},
}

// check command

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for timezone leaks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Check")
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Config.IgnoreTimezone {
			return nil
		}
		change, err := a.Service.CheckTimezone(time.Now())
		if err != nil {
			return err
		}
		if change != nil {
			fmt.Fprintf(os.Stderr,
				"Warning: your timezone has changed since the last commit (%+03d00 -> %+03d00).\n",
				change.LastOffset/3600, change.CurrentOffset/3600)
		}
		return nil
	},
}

// status command

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List commits that still need a redate",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := a.Service.Pending()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("All commits are redacted.")
			return nil
		}
		fmt.Printf("%d commits with unredacted timestamps:\n", len(pending))
		for _, id := range pending {
			fmt.Println(id)
		}
		fmt.Println("\nTo redact them run:\n\tgitveil redate")
		return nil
	},
}

// keys command

var (
	keysInit       bool
	keysNew        bool
	keysDisable    bool
	keysMigratePwd bool
	keysExportPath string
	keysImportPath string
	keysNoArchive  bool
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Create and manage encryption keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Keys")
		if err != nil {
			return err
		}
		defer a.Close()

		archive := !keysNoArchive
		legacyPwd := a.Config.Encryption.Password != "" && a.Config.Encryption.Salt != ""
		if legacyPwd && !keysMigratePwd {
			return veil.Configf("a password is set in your config; password-based encryption is no longer supported, run 'gitveil keys --migrate-pwd'")
		}

		switch {
		case keysMigratePwd:
			if !legacyPwd {
				return veil.Configf("no password setting found to migrate")
			}
			key, migrated, err := a.Keys.MigratePassword(a.Config.Encryption.Password, a.Config.Encryption.Salt, archive)
			if err != nil {
				return err
			}
			if !migrated {
				fmt.Println("Password key already active, nothing migrated.")
				return nil
			}
			// Drop the password from the config so the migration is final.
			a.Config.Encryption.Password = ""
			a.Config.Encryption.Salt = ""
			if err := config.WriteToFile(config.Path(a.Repo.StateDir()), a.Config); err != nil {
				return err
			}
			fmt.Printf("Migration successful, key id %s\n", key.ID())
		case keysNew:
			key, err := a.Keys.Rotate(archive)
			if err != nil {
				return err
			}
			fmt.Printf("Key replacement successful, new key id %s\n", key.ID())
		case keysDisable:
			if err := a.Keys.Disable(archive); err != nil {
				return err
			}
			fmt.Println("Key disabled")
		case keysExportPath != "":
			passphrase, err := readPassphrase("Export passphrase: ", true)
			if err != nil {
				return err
			}
			if err := a.Keys.Export(keysExportPath, passphrase); err != nil {
				return err
			}
			fmt.Printf("Active key exported to %s\n", keysExportPath)
		case keysImportPath != "":
			passphrase, err := readPassphrase("Import passphrase: ", false)
			if err != nil {
				return err
			}
			key, err := a.Keys.Import(keysImportPath, passphrase, archive)
			if err != nil {
				return err
			}
			fmt.Printf("Key %s imported\n", key.ID())
		default: // --init
			key, err := a.Keys.Init()
			if errors.Is(err, keys.ErrKeyExists) {
				return fmt.Errorf("%w; to generate a new key use the '--new' option", err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Key initialisation successful, key id %s\n", key.ID())
		}
		return nil
	},
}

// readPassphrase prompts on stderr and reads without echo. With confirm
// set, the passphrase is read twice and must match.
func readPassphrase(prompt string, confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		second, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		if string(first) != string(second) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	if len(first) == 0 {
		return "", fmt.Errorf("empty passphrase")
	}
	return string(first), nil
}

// redact-email command

var (
	emailReplacement  string
	emailUseGHNoreply bool
	emailMapFile      string
	emailForce        bool
)

var redactEmailCmd = &cobra.Command{
	Use:   "redact-email [old-email[:new-email[:new-name]]]...",
	Short: "Redact email addresses from existing commits",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RedactEmail")
		if err != nil {
			return err
		}
		defer a.Close()

		repl := map[string]veil.EmailReplacement{}
		if emailMapFile != "" {
			repl, err = mapping.LoadFile(emailMapFile)
			if err != nil {
				return err
			}
		}
		for _, arg := range args {
			old, r, err := mapping.ParseArg(arg)
			if err != nil {
				return err
			}
			if r.Email != "" && emailUseGHNoreply {
				r.Email = mapping.GitHubNoreply(r.Email)
			}
			if r.Email == "" {
				r.Email = emailReplacement
			}
			repl[old] = r
		}
		if len(repl) == 0 {
			return nil // nothing to do, but not an error
		}

		n, err := a.Service.RedactEmails(repl, emailForce)
		if errors.Is(err, veil.ErrNothingToDo) {
			fmt.Println("No matching commits found.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Rewrote %d commits\n", n)
		return nil
	},
}

// list-email command

var (
	listEmailAll  bool
	listEmailOnly bool
)

var listEmailCmd = &cobra.Command{
	Use:   "list-email",
	Short: "List all author and committer identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("ListEmail")
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.Service.ListEmails(listEmailAll, listEmailOnly)
		if err != nil {
			return err
		}
		for _, c := range counts {
			fmt.Printf("%s (total: %d, author: %d, committer: %d)\n", c.Identity, c.Total(), c.Author, c.Committer)
		}
		return nil
	},
}

// pre-push command (hidden, called by the pre-push hook)

var prePushCmd = &cobra.Command{
	Use:    "pre-push <remote-name> <remote-location>",
	Hidden: true,
	Args:   cobra.ExactArgs(2),
	Short:  "Refuse pushes containing unredacted commits",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("PrePush")
		if err != nil {
			return err
		}
		defer a.Close()
		return runPrePush(a, os.Stdin)
	},
}

const nullSHA = "0000000000000000000000000000000000000000"

// runPrePush reads the "<lref> <lsha> <rref> <rsha>" lines git feeds the
// pre-push hook and checks each pushed range.
func runPrePush(a *app.App, stdin *os.File) error {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var lref, lsha, rref, rsha string
		if _, err := fmt.Sscanf(line, "%s %s %s %s", &lref, &lsha, &rref, &rsha); err != nil {
			return fmt.Errorf("unexpected pre-push input %q: %w", line, err)
		}
		if lref == "(delete)" || lsha == nullSHA {
			continue // deletes are always allowed
		}
		remoteID := model.ZeroHash
		if rsha != nullSHA {
			remoteID = model.Hash(rsha)
		}
		report, err := a.Service.CheckPush(model.Hash(lsha), remoteID)
		if err != nil {
			return err
		}
		if report.Diverging {
			fmt.Fprintln(os.Stderr, "Detected diverging remote. Skipping pre-push check for unredacted commits.")
			continue
		}
		if len(report.Unredacted) == 0 {
			continue
		}
		fmt.Fprintln(os.Stderr, "You tried to push commits with unredacted timestamps:")
		for _, id := range report.Unredacted {
			fmt.Fprintln(os.Stderr, id)
		}
		fmt.Fprintln(os.Stderr, "\nTo redact and redate run:\n\tgitveil redate")
		if len(report.RemoteBranches) > 0 {
			fmt.Fprintln(os.Stderr, "\nWARNING: those commits are already part of the following remote branches;")
			fmt.Fprintln(os.Stderr, "after a redate your local history will diverge from them:")
			for _, b := range report.RemoteBranches {
				fmt.Fprintln(os.Stderr, "\t"+b)
			}
			fmt.Fprintln(os.Stderr, "\nTo push without a redate pass '--no-verify' to git push.")
		}
		return fmt.Errorf("push contains unredacted commits: %w", veil.ErrRefused)
	}
	return scanner.Err()
}

func init() {
	initCmd.Flags().BoolVarP(&initEnableCheck, "enable-check", "c", false,
		"also install the pre-commit timezone check")

	redateCmd.Flags().BoolVar(&redateOnlyHead, "only-head", false, "redate only the current head")
	redateCmd.Flags().BoolVar(&redateForce, "force", false, "rewrite published commits too")

	keysCmd.Flags().BoolVar(&keysInit, "init", false, "generate an initial key (default mode)")
	keysCmd.Flags().BoolVar(&keysNew, "new", false, "generate a new key and archive the existing one")
	keysCmd.Flags().BoolVar(&keysDisable, "disable", false, "disable and archive the active key")
	keysCmd.Flags().BoolVar(&keysMigratePwd, "migrate-pwd", false, "migrate from password-based encryption")
	keysCmd.Flags().StringVar(&keysExportPath, "export", "", "export the active key, passphrase-protected")
	keysCmd.Flags().StringVar(&keysImportPath, "import", "", "import a previously exported key")
	keysCmd.Flags().BoolVar(&keysNoArchive, "no-archive", false, "delete replaced keys instead of archiving")
	keysCmd.MarkFlagsMutuallyExclusive("init", "new", "disable", "migrate-pwd", "export", "import")

	redactEmailCmd.Flags().StringVarP(&emailReplacement, "replacement", "r", mapping.DefaultReplacement,
		"email address used as replacement")
	redactEmailCmd.Flags().BoolVarP(&emailUseGHNoreply, "use-github-noreply", "g", false,
		"interpret replacements as GitHub usernames and construct noreply addresses")
	redactEmailCmd.Flags().StringVarP(&emailMapFile, "map-file", "f", "",
		"HuJSON file with old-email to replacement mappings")
	redactEmailCmd.Flags().BoolVar(&emailForce, "force", false, "rewrite published commits too")

	listEmailCmd.Flags().BoolVarP(&listEmailAll, "all", "a", false, "include all local references")
	listEmailCmd.Flags().BoolVarP(&listEmailOnly, "email-only", "e", false,
		"only consider email addresses when counting contributions")

	rootCmd.AddCommand(initCmd, logCmd, redateCmd, checkCmd, statusCmd, keysCmd,
		redactEmailCmd, listEmailCmd, prePushCmd)
}
