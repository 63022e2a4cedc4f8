package pipeline

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/xtracthub/container-service/pkg/builder"
)

var imageNamePattern = regexp.MustCompile(`^(?:[a-zA-Z0-9-]+(?:\.[a-zA-Z0-9-]+)*(?::[0-9]+)?/)?[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*$`)
var imageTagPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// ImageTag validates a docker container name of the form name[:tag] and
// returns its tag, "latest" when omitted.
func ImageTag(name string) (string, error) {
	repo, tag := name, "latest"
	if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		repo, tag = name[:i], name[i+1:]
	}
	if !imageNamePattern.MatchString(repo) {
		return "", builder.Validation("validate name", fmt.Errorf("invalid docker image name %q", name))
	}
	if !imageTagPattern.MatchString(tag) {
		return "", builder.Validation("validate name", fmt.Errorf("invalid docker tag in %q", name))
	}
	return tag, nil
}

// SingularityImage validates a singularity container name and returns the
// base name used for the artifact.
func SingularityImage(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if !strings.HasSuffix(base, ".sif") || base == ".sif" {
		return "", builder.Validation("validate name", fmt.Errorf("singularity container name %q must end in .sif", name))
	}
	return base, nil
}

func validateName(format builder.Format, name string) error {
	var err error
	switch format {
	case builder.FormatDocker:
		_, err = ImageTag(name)
	case builder.FormatSingularity:
		_, err = SingularityImage(name)
	default:
		err = builder.Validation("validate name", fmt.Errorf("unsupported format %q", format))
	}
	return err
}

// localRef names the image a build produces in the local daemon. Keying it
// on the build id keeps concurrent builds of equal names apart.
func localRef(buildID, tag string) string {
	return buildID + ":" + tag
}

// artifactKey is where a singularity image is stored.
func artifactKey(buildID, base string) string {
	return buildID + "/" + base
}
