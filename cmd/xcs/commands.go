package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xtracthub/container-service/pkg/client"
	"github.com/xtracthub/container-service/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func newClient() *client.Client {
	return client.New(serverAddr, apiToken)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var definitionCmd = &cobra.Command{
	Use:   "definition",
	Short: "Manage container definitions",
}

var definitionUploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a Dockerfile or Singularity recipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		id, err := newClient().UploadDefinition(cmd.Context(), filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var convertName string

var definitionConvertCmd = &cobra.Command{
	Use:   "convert <definition-id>",
	Short: "Translate a definition into the other recipe dialect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := newClient().ConvertDefinition(cmd.Context(), args[0], convertName)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var (
	buildFormat string
	buildName   string
	buildFollow bool
)

var buildCmd = &cobra.Command{
	Use:   "build <definition-id>",
	Short: "Build a definition into a docker or singularity image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		id, err := c.SubmitBuild(cmd.Context(), client.BuildRequest{
			DefinitionID:  args[0],
			Format:        buildFormat,
			ContainerName: buildName,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		if buildFollow {
			return followLogs(cmd, c, id)
		}
		return nil
	},
}

var (
	repoName   string
	repoFollow bool
)

var repo2dockerCmd = &cobra.Command{
	Use:   "repo2docker <git-url|archive>",
	Short: "Build a git repository or a zip/tar archive with repo2docker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var (
			id  string
			err error
		)
		if _, statErr := os.Stat(args[0]); statErr == nil {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			id, err = c.UploadRepo2Docker(cmd.Context(), filepath.Base(args[0]), f, repoName)
			if err != nil {
				return err
			}
		} else {
			id, err = c.SubmitRepo2Docker(cmd.Context(), args[0], repoName)
			if err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		if repoFollow {
			return followLogs(cmd, c, id)
		}
		return nil
	},
}

func followLogs(cmd *cobra.Command, c *client.Client, id string) error {
	return c.StreamLogs(cmd.Context(), id, func(line string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), line)
		return err
	})
}

var statusCmd = &cobra.Command{
	Use:   "status <build-id>",
	Short: "Show a build record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newClient().GetBuild(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, rec)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your builds",
	RunE: func(cmd *cobra.Command, _ []string) error {
		builds, err := newClient().ListBuilds(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "BUILD ID\tTYPE\tNAME\tSTATUS")
		for _, b := range builds {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ID, b.Format, b.ContainerName, b.Status)
		}
		return tw.Flush()
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <build-id>",
	Short: "Stream a build's log until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return followLogs(cmd, newClient(), args[0])
	},
}

var pullOutput string

var pullCmd = &cobra.Command{
	Use:   "pull <build-id>",
	Short: "Download a finished build's image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := pullOutput
		if out == "" {
			out = args[0] + ".img"
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		n, err := newClient().DownloadArtifact(cmd.Context(), args[0], f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, out)
		return nil
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Show worker states",
	RunE: func(cmd *cobra.Command, _ []string) error {
		threads, err := newClient().Threads(cmd.Context())
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(threads))
		for id := range threads {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, threads[id])
		}
		return nil
	},
}

func init() {
	definitionConvertCmd.Flags().StringVar(&convertName, "name", "", "Name for the converted recipe")
	definitionCmd.AddCommand(definitionUploadCmd, definitionConvertCmd)

	buildCmd.Flags().StringVar(&buildFormat, "to", "docker", "Target format: docker or singularity")
	buildCmd.Flags().StringVar(&buildName, "name", "", "Container name (image[:tag] or <name>.sif)")
	buildCmd.Flags().BoolVarP(&buildFollow, "follow", "f", false, "Stream the build log")
	_ = buildCmd.MarkFlagRequired("name")

	repo2dockerCmd.Flags().StringVar(&repoName, "name", "", "Container name (image[:tag])")
	repo2dockerCmd.Flags().BoolVarP(&repoFollow, "follow", "f", false, "Stream the build log")
	_ = repo2dockerCmd.MarkFlagRequired("name")

	pullCmd.Flags().StringVarP(&pullOutput, "output", "o", "", "Output file (default <build-id>.img)")
}
