package trail

import (
	"context"

	"github.com/yuqie6/WorkTrail/internal/repository"
	"github.com/yuqie6/WorkTrail/internal/schema"
	"gorm.io/gorm"
)

// correlate 工作单元内还没有关联 id 时，以版本自身 id 回填 transaction_id。
// 返回 true 表示该 id 应发布给同一工作单元内后续的版本。
func (t *Trail) correlate(ctx context.Context, tx *gorm.DB, v *schema.Version) (bool, error) {
	if !t.columns.transactionID || v.TransactionID != nil {
		return false, nil
	}
	if err := repository.NewVersionRepository(tx).BackfillTransactionID(ctx, v.ID); err != nil {
		return false, err
	}
	id := v.ID
	v.TransactionID = &id
	return true, nil
}
