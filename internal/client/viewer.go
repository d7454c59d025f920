package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/imagingdatacommons/idc-client-go/internal/catalog"
)

const viewerBaseURL = "https://viewer.imaging.datacommons.cancer.gov"

// Viewer selects which hosted viewer a URL targets.
type Viewer string

const (
	ViewerOHIFv2 Viewer = "ohif_v2"
	ViewerOHIFv3 Viewer = "ohif_v3"
	ViewerSlim   Viewer = "slim"
)

// ViewerURL builds the hosted-viewer URL for a study or series. When the
// study is omitted it is deduced from the series; when no viewer is named,
// slide microscopy series get Slim and everything else OHIF v2.
func (c *Client) ViewerURL(ctx context.Context, studyUID, seriesUID string, viewer Viewer) (string, error) {
	if studyUID == "" && seriesUID == "" {
		return "", fmt.Errorf("either StudyInstanceUID or SeriesInstanceUID must be provided")
	}
	switch viewer {
	case "", ViewerOHIFv2, ViewerOHIFv3, ViewerSlim:
	default:
		return "", fmt.Errorf("viewer must be one of %s, %s or %s", ViewerOHIFv2, ViewerOHIFv3, ViewerSlim)
	}

	if _, err := c.registry.EnsureLoaded(ctx, catalog.MainIndexTable); err != nil {
		return "", err
	}

	var modality string
	if studyUID == "" {
		res, err := c.engine.Execute(ctx, fmt.Sprintf(
			`SELECT DISTINCT StudyInstanceUID, Modality FROM "index" WHERE SeriesInstanceUID = '%s'`,
			strings.ReplaceAll(seriesUID, "'", "''")))
		if err != nil {
			return "", err
		}
		if res.Count == 0 {
			return "", fmt.Errorf("SeriesInstanceUID %s not found in the index", seriesUID)
		}
		studyUID, _ = res.Rows[0][0].(string)
		modality, _ = res.Rows[0][1].(string)
	} else {
		res, err := c.engine.Execute(ctx, fmt.Sprintf(
			`SELECT DISTINCT Modality FROM "index" WHERE StudyInstanceUID = '%s'`,
			strings.ReplaceAll(studyUID, "'", "''")))
		if err != nil {
			return "", err
		}
		if res.Count == 0 {
			return "", fmt.Errorf("StudyInstanceUID %s not found in the index", studyUID)
		}
		modality, _ = res.Rows[0][0].(string)
	}

	if viewer == "" {
		if strings.Contains(modality, "SM") {
			viewer = ViewerSlim
		} else {
			viewer = ViewerOHIFv2
		}
	}

	switch viewer {
	case ViewerOHIFv3:
		if seriesUID == "" {
			return fmt.Sprintf("%s/v3/viewer/?StudyInstanceUIDs=%s", viewerBaseURL, studyUID), nil
		}
		return fmt.Sprintf("%s/v3/viewer/?StudyInstanceUIDs=%s&SeriesInstanceUID=%s", viewerBaseURL, studyUID, seriesUID), nil
	case ViewerSlim:
		if seriesUID == "" {
			return fmt.Sprintf("%s/slim/studies/%s", viewerBaseURL, studyUID), nil
		}
		return fmt.Sprintf("%s/slim/studies/%s/series/%s", viewerBaseURL, studyUID, seriesUID), nil
	default:
		if seriesUID == "" {
			return fmt.Sprintf("%s/viewer/%s", viewerBaseURL, studyUID), nil
		}
		return fmt.Sprintf("%s/viewer/%s?SeriesInstanceUID=%s", viewerBaseURL, studyUID, seriesUID), nil
	}
}
