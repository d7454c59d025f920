package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imagingdatacommons/idc-client-go/internal/catalog"
	"github.com/imagingdatacommons/idc-client-go/internal/client"
	"github.com/imagingdatacommons/idc-client-go/internal/log"
	"github.com/imagingdatacommons/idc-client-go/internal/selection"
)

func addDownloadFlags(cmd *cobra.Command) {
	cmd.Flags().String("download-dir", "", "Directory to download the files to")
	cmd.Flags().String("dir-template", "", "Directory hierarchy template (default: collection/patient/study/modality_series)")
	cmd.Flags().Bool("flat", false, "Download everything into the download directory with no subdirectories")
	cmd.Flags().String("source", "aws", "Object-store mirror to download from (aws or gcp)")
	cmd.Flags().Bool("dry-run", false, "Resolve and report size without downloading")
	cmd.Flags().Bool("quiet", true, "Suppress the bulk-copy tool's output")
	cmd.Flags().Int("max-retries", 2, "Retry attempts over the failed subset (0 disables)")
	cmd.Flags().Duration("timeout", 0, "Overall download deadline (0 means none)")
}

func requestFromFlags(cmd *cobra.Command) (client.DownloadRequest, error) {
	var req client.DownloadRequest
	var err error
	if req.DestDir, err = cmd.Flags().GetString("download-dir"); err != nil {
		return req, err
	}
	req.DirTemplate, _ = cmd.Flags().GetString("dir-template")
	req.Flat, _ = cmd.Flags().GetBool("flat")
	req.Source, _ = cmd.Flags().GetString("source")
	req.DryRun, _ = cmd.Flags().GetBool("dry-run")
	req.Quiet, _ = cmd.Flags().GetBool("quiet")
	req.MaxRetries, _ = cmd.Flags().GetInt("max-retries")
	if req.MaxRetries == 0 {
		req.MaxRetries = -1
	}
	req.Timeout, _ = cmd.Flags().GetDuration("timeout")
	return req, nil
}

func reportSummary(s *client.DownloadSummary) {
	if s.Resolved != nil && len(s.Resolved.NotFound) > 0 {
		log.Logger.Warnf("Not found in the index: %s", strings.Join(s.Resolved.NotFound, ", "))
	}
	if s.Result == nil {
		fmt.Printf("Manifest: %d object(s)\n", len(s.Manifest.Entries))
		return
	}
	fmt.Printf("Requested: %d  Succeeded: %d  Skipped: %d  Failed: %d\n",
		s.Result.RequestedCount, s.Result.SucceededCount,
		s.Result.SkippedCount, s.Result.FailedCount)
	for _, p := range s.Result.FailedPaths {
		fmt.Printf("  failed: %s\n", p)
	}
}

func newDownloadFromSelectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download-from-selection",
		Short: "Download files matching a collection, patient, study or series selection",
		Long: `Download the files corresponding to a selection. Exactly one of
--collection-id, --patient-id, --study-instance-uid or --series-instance-uid
must be given; each accepts comma-separated values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}
			req.Selection = selectionFromFlags(cmd)

			summary, err := c.DownloadFromSelection(cmd.Context(), req)
			if err != nil {
				return err
			}
			reportSummary(summary)
			return nil
		},
	}
	addDownloadFlags(cmd)
	cmd.Flags().StringSlice("collection-id", nil, "Collection ID(s) to filter by")
	cmd.Flags().StringSlice("patient-id", nil, "Patient ID(s) to filter by")
	cmd.Flags().StringSlice("study-instance-uid", nil, "StudyInstanceUID(s) to filter by")
	cmd.Flags().StringSlice("series-instance-uid", nil, "SeriesInstanceUID(s) to filter by")
	return cmd
}

func selectionFromFlags(cmd *cobra.Command) selection.Input {
	var in selection.Input
	in.CollectionIDs, _ = cmd.Flags().GetStringSlice("collection-id")
	in.PatientIDs, _ = cmd.Flags().GetStringSlice("patient-id")
	in.StudyInstanceUIDs, _ = cmd.Flags().GetStringSlice("study-instance-uid")
	in.SeriesInstanceUIDs, _ = cmd.Flags().GetStringSlice("series-instance-uid")
	return in
}

func newDownloadFromManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download-from-manifest",
		Short: "Download the objects listed in a manifest file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			req, err := requestFromFlags(cmd)
			if err != nil {
				return err
			}
			req.ManifestPath, _ = cmd.Flags().GetString("manifest-file")
			if req.ManifestPath == "" {
				return fmt.Errorf("--manifest-file is required")
			}

			summary, err := c.DownloadFromManifest(cmd.Context(), req)
			if err != nil {
				return err
			}
			reportSummary(summary)
			return nil
		},
	}
	addDownloadFlags(cmd)
	cmd.Flags().String("manifest-file", "", "Path to the manifest file")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download [manifest-file | id[,id...]]",
		Short: "Download content given a manifest file or a list of identifiers",
		Long: `Determine whether the argument is a manifest file or a list of
collection, patient, study or series identifiers, and download the matching
files into the current directory using the default folder hierarchy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			req := client.DownloadRequest{DestDir: cwd, Quiet: true}

			if info, err := os.Stat(args[0]); err == nil && !info.IsDir() {
				log.Logger.Debug("Argument is a file, downloading from manifest")
				req.ManifestPath = args[0]
				summary, err := c.DownloadFromManifest(cmd.Context(), req)
				if err != nil {
					return err
				}
				reportSummary(summary)
				return nil
			}

			ids := strings.Split(args[0], ",")
			for i := range ids {
				ids[i] = strings.TrimSpace(ids[i])
			}
			req.Selection, err = classifyIdentifiers(cmd.Context(), c, ids)
			if err != nil {
				return err
			}
			summary, err := c.DownloadFromSelection(cmd.Context(), req)
			if err != nil {
				return err
			}
			reportSummary(summary)
			return nil
		},
	}
}

// classifyIdentifiers probes the main index to decide which identifier kind
// the values are. Only the first value is checked; the rest are assumed to
// be of the same kind.
func classifyIdentifiers(ctx context.Context, c *client.Client, ids []string) (selection.Input, error) {
	if _, err := c.EnsureLoaded(ctx, catalog.MainIndexTable); err != nil {
		return selection.Input{}, err
	}
	probe := strings.ReplaceAll(ids[0], "'", "''")
	for _, kind := range []struct {
		column string
		assign func(*selection.Input)
	}{
		{"collection_id", func(in *selection.Input) { in.CollectionIDs = ids }},
		{"PatientID", func(in *selection.Input) { in.PatientIDs = ids }},
		{"StudyInstanceUID", func(in *selection.Input) { in.StudyInstanceUIDs = ids }},
		{"SeriesInstanceUID", func(in *selection.Input) { in.SeriesInstanceUIDs = ids }},
	} {
		sql := fmt.Sprintf(`SELECT 1 FROM "index" WHERE %q = '%s' LIMIT 1`, kind.column, probe)
		res, err := c.Query(ctx, sql)
		if err != nil {
			return selection.Input{}, err
		}
		if res.Count > 0 {
			var in selection.Input
			kind.assign(&in)
			return in, nil
		}
	}
	return selection.Input{}, fmt.Errorf("%q does not match any collection, patient, study or series in the index", ids[0])
}
