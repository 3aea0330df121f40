package metadata

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
)

// inventoryLimit bounds how many tasks a single plugin run works through.
const inventoryLimit = 100000

// RunPlugin inventories the server's archives for the namespace and drives
// the metadata plugin over every due task. Plugin calls run sequentially
// with a random sleep between them: the upstream data sources rate limit.
func (service *Service) RunPlugin(ctx context.Context, namespace string, retryOK bool) (updated int, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, _, err := namespaceSource(namespace); err != nil {
		return 0, err
	}
	if err := service.inventory(ctx, namespace); err != nil {
		return 0, err
	}

	if retryOK {
		tasks, err := service.db.ListPluginTasks(ctx, namespace, satellitedb.TaskOK, inventoryLimit)
		if err != nil {
			return 0, err
		}
		updated += service.handleTasks(ctx, namespace, tasks)
	}

	pending, err := service.db.ListPluginTasks(ctx, namespace, satellitedb.TaskPending, inventoryLimit)
	if err != nil {
		return updated, err
	}
	updated += service.handleTasks(ctx, namespace, pending)

	expired, err := service.db.ListExpiredPluginTasks(ctx, namespace, service.now(), inventoryLimit)
	if err != nil {
		return updated, err
	}
	updated += service.handleTasks(ctx, namespace, expired)

	service.log.Info("plugin run finished",
		zap.String("namespace", namespace), zap.Int("updated", updated))
	return updated, nil
}

// inventory records a task for every archive that has none yet. Archives
// with no derivable source are recorded as errors so they are not revisited.
func (service *Service) inventory(ctx context.Context, namespace string) (err error) {
	defer mon.Task()(&ctx)(&err)

	idFromTitle, template, err := namespaceSource(namespace)
	if err != nil {
		return err
	}

	archives, err := service.client.Archives(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	service.log.Info("plugin inventory started",
		zap.String("namespace", namespace), zap.Int("archives", len(archives)))

	for _, archive := range archives {
		if err := ctx.Err(); err != nil {
			return Error.Wrap(err)
		}
		existing, err := service.db.GetPluginTask(ctx, archive.ArcID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		task := satellitedb.PluginTask{
			ArcID:       archive.ArcID,
			Namespace:   namespace,
			LastUpdated: service.now(),
		}
		switch {
		case lrr.SourceFromTags(archive.Tags) != "":
			task.Source = lrr.SourceFromTags(archive.Tags)
			task.Status = satellitedb.TaskPending
		case idFromTitle(archive.Title) != "":
			task.Source = fmt.Sprintf(template, idFromTitle(archive.Title))
			task.Status = satellitedb.TaskPending
		default:
			service.log.Warn("no source found for archive",
				zap.String("namespace", namespace), zap.String("arcid", archive.ArcID))
			task.Status = satellitedb.TaskError
		}
		if err := service.db.UpsertPluginTasks(ctx, []satellitedb.PluginTask{task}); err != nil {
			return err
		}
	}
	return nil
}

func (service *Service) handleTasks(ctx context.Context, namespace string, tasks []satellitedb.PluginTask) (updated int) {
	for _, task := range tasks {
		if ctx.Err() != nil {
			return updated
		}
		ok, err := service.handleTask(ctx, namespace, task)
		if err != nil {
			service.log.Error("plugin task failed",
				zap.String("namespace", namespace),
				zap.String("arcid", task.ArcID),
				zap.Error(err))
			continue
		}
		if ok {
			updated++
		}
	}
	return updated
}

// handleTask runs the plugin for one archive. An archive missing from the
// server drops its task; a plugin failure records a not-found with one more
// failure, widening the task's retry window.
func (service *Service) handleTask(ctx context.Context, namespace string, task satellitedb.PluginTask) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	archive, err := service.client.ArchiveMetadata(ctx, task.ArcID)
	if err != nil {
		service.log.Warn("archive not on server, dropping task",
			zap.String("arcid", task.ArcID), zap.Error(err))
		return false, service.db.DeletePluginTask(ctx, task.ArcID)
	}

	response, err := service.client.UsePlugin(ctx, namespace, task.ArcID, task.Source)
	service.randomSleep()
	if err != nil {
		return false, Error.Wrap(err)
	}
	if response.Success != 1 {
		service.log.Warn("plugin found no metadata",
			zap.String("namespace", namespace),
			zap.String("source", task.Source),
			zap.String("error", response.Err))
		return false, service.db.MarkPluginTask(ctx,
			task.ArcID, satellitedb.TaskNotFound, service.now(), task.NumFailures+1)
	}

	title := response.Data.Title
	if title == "" {
		title = archive.Title
	}
	tags := mergeTags(namespace, archive.Tags, response.Data.NewTags)
	if err := service.client.UpdateArchiveMetadata(ctx, task.ArcID, title, tags, archive.Summary); err != nil {
		return false, Error.Wrap(err)
	}
	if err := service.db.MarkPluginTask(ctx, task.ArcID, satellitedb.TaskOK, service.now(), 0); err != nil {
		return false, err
	}
	service.log.Info("metadata updated",
		zap.String("namespace", namespace),
		zap.String("arcid", task.ArcID),
		zap.String("source", task.Source))
	return true, nil
}
