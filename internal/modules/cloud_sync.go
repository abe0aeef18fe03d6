package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"
	"backup-orchestrator/internal/storage"
)

// CloudSyncModule is the name of the object storage replication post-backup
const CloudSyncModule = "cloudSync"

var cloudSyncSchema = stage.Schema{
	{Name: "provider", Type: stage.TypeString, Required: true, Enum: []string{"s3", "gcs", "azure"},
		Hint: "Object storage provider: s3, gcs or azure"},
	{Name: "bucket", Type: stage.TypeString, Required: true, Hint: "Bucket (or Azure container) name"},
	{Name: "prefix", Type: stage.TypeString, Hint: "Key prefix under which backups are stored"},
	{Name: "region", Type: stage.TypeString, Hint: "AWS region of the bucket"},
	{Name: "access-key-file", Type: stage.TypeString,
		Hint: "File holding the AWS access key id and secret key, one per line; default credential chain when absent"},
	{Name: "credentials-file", Type: stage.TypeString,
		Hint: "Google service account JSON file; application default credentials when absent"},
	{Name: "account-name", Type: stage.TypeString, Hint: "Azure storage account name"},
	{Name: "account-key-file", Type: stage.TypeString, Hint: "File holding the Azure storage account key"},
}

// newRemote is replaced in tests
var newRemote = storage.New

// CloudSync replicates the output folder to object storage
type CloudSync struct {
	stage.Base
	config storage.Config
	prefix string
}

// NewCloudSync creates the cloudSync post-backup
func NewCloudSync(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &CloudSync{Base: stage.NewBase(rc, args, bus)}
}

func (c *CloudSync) ModuleName() string { return CloudSyncModule }
func (c *CloudSync) Kind() stage.Kind   { return stage.KindPostBackup }

// ValidateParameters checks the arguments and loads the credentials from their files
func (c *CloudSync) ValidateParameters() error {
	params, err := cloudSyncSchema.Validate(c.Args)
	if err != nil {
		return err
	}

	config := storage.Config{
		Provider:    storage.ProviderType(params.String("provider")),
		Bucket:      params.String("bucket"),
		Region:      params.String("region"),
		AccountName: params.String("account-name"),
	}

	if params.Has("access-key-file") {
		lines, err := readSecretFile("access-key-file", params.String("access-key-file"))
		if err != nil {
			return err
		}
		if len(lines) != 2 {
			return apperrors.NewParameterError("access-key-file", "must hold the access key id and the secret key",
				cloudSyncSchema[4].Hint)
		}
		config.AccessKey, config.SecretKey = lines[0], lines[1]
	}
	if params.Has("credentials-file") {
		if err := checkSecretFile("credentials-file", params.String("credentials-file")); err != nil {
			return err
		}
		config.CredentialsFile = params.String("credentials-file")
	}
	if params.Has("account-key-file") {
		lines, err := readSecretFile("account-key-file", params.String("account-key-file"))
		if err != nil {
			return err
		}
		if len(lines) != 1 {
			return apperrors.NewParameterError("account-key-file", "must hold the account key only", cloudSyncSchema[7].Hint)
		}
		config.AccountKey = lines[0]
	}

	if err := config.Validate(); err != nil {
		return err
	}
	c.config = config
	c.prefix = params.String("prefix")
	return nil
}

// PrepareAction plans the upload of the output folder. A restore does nothing.
func (c *CloudSync) PrepareAction(dir stage.Direction) (stage.Action, error) {
	if dir == stage.DirectionRestore {
		return nothingToDo(c.ModuleName()), nil
	}

	outputDir, err := c.Bus.OutputDirectory()
	if err != nil {
		return nil, err
	}
	keyPrefix := storage.KeyPrefix(c.prefix, c.Context.BackupID)

	files, err := localFiles(outputDir)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(files))
	for i, name := range files {
		lines[i] = fmt.Sprintf("File [%s] would have been uploaded to [%s]",
			filepath.Join(outputDir, name), c.config.Location(storage.ObjectKey(c.prefix, c.Context.BackupID, name)))
	}
	return stage.ActionFunc{
		Lines: lines,
		Run:   func(ctx context.Context) error { return c.upload(ctx, keyPrefix, outputDir, files) },
	}, nil
}

// localFiles returns the sorted names of the regular files of dir
func localFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewRunningError(fmt.Sprintf("Unable to list directory [%s]", dir), err)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *CloudSync) connect(ctx context.Context, keyPrefix string) (storage.Remote, map[string]bool, error) {
	remote, err := newRemote(ctx, c.config)
	if err != nil {
		return nil, nil, err
	}
	keys, err := remote.List(ctx, keyPrefix)
	if err != nil {
		remote.Close()
		return nil, nil, err
	}

	existing := make(map[string]bool, len(keys))
	for _, key := range keys {
		existing[key] = true
	}
	return remote, existing, nil
}

// upload sends the files that are not stored remotely yet
func (c *CloudSync) upload(ctx context.Context, keyPrefix, dir string, files []string) error {
	remote, existing, err := c.connect(ctx, keyPrefix)
	if err != nil {
		return err
	}
	defer remote.Close()

	log := c.Context.Log()
	for _, name := range files {
		key := storage.ObjectKey(c.prefix, c.Context.BackupID, name)
		if existing[key] {
			log.Debugf("File [%s] already present at [%s]", name, remote.Location(key))
			continue
		}

		if err := uploadFile(ctx, remote, key, filepath.Join(dir, name)); err != nil {
			return err
		}
		log.Infof("File [%s] uploaded to [%s]", name, remote.Location(key))
	}
	return nil
}

func uploadFile(ctx context.Context, remote storage.Remote, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperrors.NewRunningError(fmt.Sprintf("Unable to open file [%s]", path), err)
	}
	defer f.Close()
	return remote.Upload(ctx, key, f)
}
