package memory

import (
	"testing"

	"github.com/wuayee/waterflow/model"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/persistence/persistencetest"
	"github.com/wuayee/waterflow/util"
)

func TestRetryRepo(t *testing.T) {
	persistencetest.RunRetryRepoSuite(t, func(t *testing.T) persistence.RetryRepo {
		return NewRetryRepo()
	})
}

func TestContextRepo(t *testing.T) {
	persistencetest.RunContextRepoSuite(t, func(t *testing.T) persistence.ContextRepo {
		return NewContextRepo(util.NewJsonEncoderDecoder[model.DataContext]())
	})
}
